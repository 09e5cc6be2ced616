package evaluation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/sparql-agent/backend/pkg/logger"
)

// Example is one JSONL dataset row: a question variant derived from a
// known-good (question, query) base pair.
type Example struct {
	ID               string   `json:"id"`
	Split            string   `json:"split"`
	BaseID           string   `json:"base_id"`
	BaseNLQuery      string   `json:"base_nl_query"`
	NLQuery          string   `json:"nl_query"`
	NormalizedQuery  string   `json:"normalized_query"`
	ExpectedSparql   string   `json:"expected_sparql"`
	Tags             []string `json:"tags"`
	VariantType      string   `json:"variant_type"`
	CacheExpectedHit bool     `json:"cache_expected_hit"`
}

// LoadDataset reads a JSONL dataset file. Blank lines are skipped; a
// malformed line is an error, not a skip, so a truncated dataset cannot
// silently shrink a run.
func LoadDataset(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if ex.NLQuery == "" || ex.ExpectedSparql == "" {
			return nil, fmt.Errorf("dataset line %d: missing nl_query or expected_sparql", line)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	logger.Info("Loaded evaluation dataset",
		zap.String("path", path),
		zap.Int("examples", len(examples)),
	)
	return examples, nil
}
