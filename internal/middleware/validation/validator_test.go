package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 100}))
	handler := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
	app.Post("/api/v1/nl/query", handler)
	app.Post("/api/v1/sparql/query", handler)
	return app
}

func post(t *testing.T, app *fiber.App, path, body string) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestValidQueryPasses(t *testing.T) {
	app := testApp()
	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/nl/query", `{"query":"What is a CNT?"}`))
}

func TestSparqlKeywordsAreNotBlocked(t *testing.T) {
	app := testApp()
	// SELECT is legitimate content on this surface.
	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/sparql/query", `{"query":"SELECT ?s WHERE { ?s ?p ?o }","type":"SELECT"}`))
}

func TestEmptyQueryRejected(t *testing.T) {
	app := testApp()
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/nl/query", `{"query":"  "}`))
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/nl/query", `{}`))
}

func TestOversizedQueryRejected(t *testing.T) {
	app := testApp()
	long := strings.Repeat("a", 101)
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/nl/query", `{"query":"`+long+`"}`))
}

func TestControlCharactersRejected(t *testing.T) {
	app := testApp()
	// JSON-escaped so the body parses; the decoded query carries U+0001.
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/nl/query", "{\"query\":\"what is \\u0001 this\"}"))
}

func TestInvalidJSONRejected(t *testing.T) {
	app := testApp()
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/nl/query", `{not json`))
}

func TestUnsupportedQueryTypeRejected(t *testing.T) {
	app := testApp()
	assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/sparql/query", `{"query":"DROP GRAPH <urn:g>","type":"DROP"}`))
}

func TestUnrelatedRoutesUntouched(t *testing.T) {
	app := testApp()
	app.Get("/api/v1/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
