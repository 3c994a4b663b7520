package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type GrammarError struct {
	ID         int     `json:"id"`
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	Original   string  `json:"original"`
	Suggestion string  `json:"suggestion"`
	Context    *string `json:"context"`
}

// GrammarStats are the scores of a checked text, 0 to 100.
type GrammarStats struct {
	Grammar     float64 `json:"grammar"`
	Fluency     float64 `json:"fluency"`
	Clarity     float64 `json:"clarity"`
	Engagement  float64 `json:"engagement"`
	TotalWords  int     `json:"total_words"`
	TotalErrors int     `json:"total_errors"`
}

type GrammarResult struct {
	Errors []GrammarError `json:"errors"`
	Stats  GrammarStats   `json:"stats"`
}

// Quota is a remaining allowance. The server sends a number, or a string
// such as "unlimited" for paid plans.
type Quota string

func (q *Quota) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quota(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid quota %s: %w", data, err)
	}
	*q = Quota(n.String())
	return nil
}

type Stats struct {
	TotalParaphrases   int `json:"totalParaphrases"`
	TotalGrammarChecks int `json:"totalGrammarChecks"`
	Remaining          struct {
		Paraphrase Quota `json:"paraphrase"`
		Grammar    Quota `json:"grammar"`
	} `json:"remaining"`
}

// HistoryKind selects a history collection.
type HistoryKind string

const (
	Paraphrases HistoryKind = "paraphrases"
	Grammar     HistoryKind = "grammar"
)

func (k HistoryKind) itemType() string {
	if k == Paraphrases {
		return "paraphrase"
	}
	return "grammar"
}

// ParseHistoryKind accepts the collection name in singular or plural.
func ParseHistoryKind(s string) (HistoryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "paraphrase", "paraphrases":
		return Paraphrases, nil
	case "grammar", "grammar_check", "grammar-check":
		return Grammar, nil
	default:
		return "", fmt.Errorf("unknown history kind %q (want paraphrases or grammar)", s)
	}
}

type HistoryItem struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Original    string         `json:"original"`
	Language    string         `json:"language"`
	CreatedAt   string         `json:"createdAt"`
	Paraphrased string         `json:"paraphrased,omitempty"`
	Errors      []GrammarError `json:"errors,omitempty"`
}
