package evaluation

import (
	"math"
	"regexp"
	"strings"
)

// RetrievalScores grade a top-k retrieval against the single relevant
// base pair. The relevant item is the cached entry sharing the example's
// base id, so the ideal DCG is one item at rank 1.
type RetrievalScores struct {
	PrecisionAtK float64 `json:"precision_at_k"`
	RecallAtK    float64 `json:"recall_at_k"`
	MRRAtK       float64 `json:"mrr_at_k"`
	NDCGAtK      float64 `json:"ndcg_at_k"`
}

func ScoreRetrieval(retrievedBaseIDs []string, goldBaseID string, k int) RetrievalScores {
	if k <= 0 {
		return RetrievalScores{}
	}

	topK := retrievedBaseIDs
	if len(topK) > k {
		topK = topK[:k]
	}

	relevant := 0
	mrr := 0.0
	dcg := 0.0
	for i, id := range topK {
		if id != goldBaseID {
			continue
		}
		relevant++
		rank := i + 1
		if mrr == 0 {
			mrr = 1.0 / float64(rank)
		}
		dcg += 1.0 / math.Log2(float64(rank)+1)
	}

	recall := 0.0
	if relevant > 0 {
		recall = 1.0
	}

	return RetrievalScores{
		PrecisionAtK: float64(relevant) / float64(k),
		RecallAtK:    recall,
		MRRAtK:       mrr,
		NDCGAtK:      dcg, // ideal DCG is 1
	}
}

// GenerationScores grade the generated query and the downstream stages.
// No judge model: parseability, whitespace-normalized exact match, and
// execution/answer outcomes.
type GenerationScores struct {
	SparqlParseable     bool `json:"sparql_parseable"`
	SparqlExactMatch    bool `json:"sparql_exact_match"`
	ExecutionSuccess    bool `json:"execution_success"`
	ResultNonEmpty      bool `json:"result_non_empty"`
	FinalAnswerNonEmpty bool `json:"final_answer_non_empty"`
	E2ESuccess          bool `json:"e2e_success"`
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func NormalizeSparql(s string) string {
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
}

func ScoreGeneration(generated, expected string, executionSuccess, resultNonEmpty bool, finalAnswer string) GenerationScores {
	parseable := strings.TrimSpace(generated) != ""
	answerNonEmpty := strings.TrimSpace(finalAnswer) != ""

	return GenerationScores{
		SparqlParseable:     parseable,
		SparqlExactMatch:    parseable && NormalizeSparql(generated) == NormalizeSparql(expected),
		ExecutionSuccess:    executionSuccess,
		ResultNonEmpty:      resultNonEmpty,
		FinalAnswerNonEmpty: answerNonEmpty,
		E2ESuccess:          parseable && executionSuccess && answerNonEmpty,
	}
}
