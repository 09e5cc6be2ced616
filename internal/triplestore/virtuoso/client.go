package virtuoso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sparql-agent/backend/pkg/circuitbreaker"
	"github.com/sparql-agent/backend/pkg/logger"
)

// Shape selects the parsing path for a query: SELECT-style queries return
// binding rows, ASK-style queries return a boolean.
type Shape int

const (
	ShapeSelect Shape = iota
	ShapeAsk
)

func ShapeFromString(s string) (Shape, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SELECT", "CONSTRUCT", "DESCRIBE", "":
		return ShapeSelect, nil
	case "ASK":
		return ShapeAsk, nil
	default:
		return ShapeSelect, fmt.Errorf("unsupported query type: %s", s)
	}
}

// ShapeOf infers the shape from query text: the first query-form keyword
// after any prologue (PREFIX/BASE declarations, comments) decides.
// Unrecognized forms parse as Select.
func ShapeOf(query string) Shape {
	for _, line := range strings.Split(query, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, token := range strings.Fields(line) {
			switch strings.ToUpper(token) {
			case "ASK":
				return ShapeAsk
			case "SELECT", "CONSTRUCT", "DESCRIBE":
				return ShapeSelect
			}
		}
	}
	return ShapeSelect
}

// FailureKind classifies execution failures. Empty results are not a
// failure; they come back as a Result with RowCount 0.
type FailureKind string

const (
	KindMalformed   FailureKind = "malformed"
	KindTimeout     FailureKind = "timeout"
	KindUnreachable FailureKind = "unreachable"
)

type ExecutionError struct {
	Kind    FailureKind
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sparql execution failed (%s): %s", e.Kind, e.Message)
}

// Value is one RDF term in the SPARQL JSON results format.
type Value struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// Binding is one result row: variable name to term.
type Binding map[string]Value

// Result is a successful execution. Boolean is set only for ASK queries.
type Result struct {
	Vars     []string  `json:"vars,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`
	RowCount int       `json:"row_count"`
	Boolean  *bool     `json:"boolean,omitempty"`
}

// Empty reports a syntactically valid query that matched nothing.
func (r *Result) Empty() bool {
	return r.Boolean == nil && r.RowCount == 0
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks the SPARQL HTTP protocol to a Virtuoso endpoint. It never
// retries; retry policy belongs to whoever composes the pipeline.
type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cb := circuitbreaker.New("virtuoso", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	endpoint := fmt.Sprintf("http://%s:%d/sparql", cfg.Host, cfg.Port)
	logger.Info("Virtuoso client initialized", zap.String("endpoint", endpoint))

	return &Client{
		endpoint: endpoint,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: cb,
	}
}

// sparqlResponse is the application/sparql-results+json envelope.
type sparqlResponse struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results *struct {
		Bindings []Binding `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean"`
}

// Execute runs one SPARQL query and parses the response according to the
// expected shape. Failures are classified as malformed, timeout or
// unreachable; a zero-row response is a success the caller can branch on.
func (c *Client) Execute(ctx context.Context, query string, shape Shape) (*Result, error) {
	var result *Result
	var rejected *ExecutionError

	err := c.cb.Execute(ctx, func() error {
		res, execErr := c.execute(ctx, query, shape)
		if execErr != nil {
			var ee *ExecutionError
			// A rejected query says nothing about engine health; it must
			// not count toward opening the circuit.
			if errors.As(execErr, &ee) && ee.Kind == KindMalformed {
				rejected = ee
				return nil
			}
			return execErr
		}
		result = res
		return nil
	})

	if err == nil && rejected != nil {
		return nil, rejected
	}
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, &ExecutionError{Kind: KindUnreachable, Message: "query engine circuit open"}
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return nil, execErr
		}
		return nil, &ExecutionError{Kind: KindUnreachable, Message: err.Error()}
	}

	return result, nil
}

func (c *Client) execute(ctx context.Context, query string, shape Shape) (*Result, error) {
	form := url.Values{}
	form.Set("query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ExecutionError{Kind: KindUnreachable, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		logger.Warn("Query engine rejected query",
			zap.String("detail", truncate(string(body), 512)),
		)
		return nil, &ExecutionError{Kind: KindMalformed, Message: "query engine rejected the query syntax"}
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn("Query engine returned unexpected status",
			zap.Int("status", resp.StatusCode),
			zap.String("detail", truncate(string(body), 512)),
		)
		return nil, &ExecutionError{
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("query engine returned status %d", resp.StatusCode),
		}
	}

	var parsed sparqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ExecutionError{Kind: KindMalformed, Message: "query engine returned an unparseable response"}
	}

	result := &Result{Vars: parsed.Head.Vars}

	switch shape {
	case ShapeAsk:
		if parsed.Boolean == nil {
			return nil, &ExecutionError{Kind: KindMalformed, Message: "expected a boolean response"}
		}
		result.Boolean = parsed.Boolean
		result.RowCount = 1
	default:
		if parsed.Results != nil {
			result.Bindings = parsed.Results.Bindings
		}
		result.RowCount = len(result.Bindings)
	}

	logger.Debug("SPARQL query executed",
		zap.Int("row_count", result.RowCount),
		zap.Bool("empty", result.Empty()),
	)

	return result, nil
}

// Probe checks endpoint liveness with a trivial ASK within the timeout.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.Execute(ctx, "ASK { ?s ?p ?o }", ShapeAsk)
	return err
}

func classifyTransportError(err error) *ExecutionError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Kind: KindTimeout, Message: "query engine timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ExecutionError{Kind: KindTimeout, Message: "query engine timed out"}
	}
	return &ExecutionError{Kind: KindUnreachable, Message: err.Error()}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
