package evaluation

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/pkg/logger"
)

// Store persists evaluation runs and per-example records to SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	logger.Info("Evaluation store initialized", zap.String("path", dbPath))
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evaluation_runs (
		id TEXT PRIMARY KEY,
		dataset_path TEXT NOT NULL,
		config_count INTEGER NOT NULL,
		example_count INTEGER NOT NULL,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluation_records (
		run_id TEXT NOT NULL,
		config_name TEXT NOT NULL,
		example_id TEXT NOT NULL,
		base_id TEXT,
		variant_type TEXT,
		cache_hit INTEGER NOT NULL,
		precision_at_k REAL NOT NULL,
		recall_at_k REAL NOT NULL,
		mrr_at_k REAL NOT NULL,
		ndcg_at_k REAL NOT NULL,
		sparql_parseable INTEGER NOT NULL,
		sparql_exact_match INTEGER NOT NULL,
		execution_success INTEGER NOT NULL,
		result_non_empty INTEGER NOT NULL,
		final_answer_non_empty INTEGER NOT NULL,
		e2e_success INTEGER NOT NULL,
		retrieval_ms INTEGER NOT NULL,
		generate_ms INTEGER NOT NULL,
		execute_ms INTEGER NOT NULL,
		synthesize_ms INTEGER NOT NULL,
		end_to_end_ms INTEGER NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, config_name, example_id),
		FOREIGN KEY (run_id) REFERENCES evaluation_runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_records_run ON evaluation_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_records_config ON evaluation_records(config_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(runID, datasetPath string, configs, examples int, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO evaluation_runs (id, dataset_path, config_count, example_count, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, datasetPath, configs, examples, startedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *Store) SaveRecord(rec Record) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO evaluation_records (
			run_id, config_name, example_id, base_id, variant_type, cache_hit,
			precision_at_k, recall_at_k, mrr_at_k, ndcg_at_k,
			sparql_parseable, sparql_exact_match, execution_success,
			result_non_empty, final_answer_non_empty, e2e_success,
			retrieval_ms, generate_ms, execute_ms, synthesize_ms, end_to_end_ms,
			error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ConfigName, rec.ExampleID, rec.BaseID, rec.VariantType, boolInt(rec.CacheHit),
		rec.Retrieval.PrecisionAtK, rec.Retrieval.RecallAtK, rec.Retrieval.MRRAtK, rec.Retrieval.NDCGAtK,
		boolInt(rec.Generation.SparqlParseable), boolInt(rec.Generation.SparqlExactMatch), boolInt(rec.Generation.ExecutionSuccess),
		boolInt(rec.Generation.ResultNonEmpty), boolInt(rec.Generation.FinalAnswerNonEmpty), boolInt(rec.Generation.E2ESuccess),
		rec.Latencies.RetrievalMS, rec.Latencies.GenerateMS, rec.Latencies.ExecuteMS, rec.Latencies.SynthesizeMS, rec.Latencies.EndToEndMS,
		rec.Error, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
