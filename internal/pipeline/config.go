package pipeline

import "github.com/sparql-agent/backend/internal/retriever"

// AblationConfig switches individual pipeline stages on and off. The API
// serves the default; the evaluation harness sweeps a grid of these.
type AblationConfig struct {
	UseCache           bool           `json:"use_cache"`
	UseOntologyContext bool           `json:"use_ontology_context"`
	FewshotMode        retriever.Mode `json:"fewshot_mode"`
}

func DefaultAblation() AblationConfig {
	return AblationConfig{
		UseCache:           true,
		UseOntologyContext: true,
		FewshotMode:        retriever.ModeAuto,
	}
}
