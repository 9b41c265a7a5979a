package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/duckmesh/dbagent/internal/llm"
)

// SQLQuery is the structured answer of the generation call. Statements are
// ordered so that dependencies come first.
type SQLQuery struct {
	Statements []string `json:"query"`
}

var sqlQuerySchema = llm.Schema{
	Name:        "sql_query",
	Type:        llm.TypeObject,
	Description: "SQL statements that fulfil the request, in execution order.",
	Properties: map[string]*llm.Schema{
		"query": {
			Type:  llm.TypeArray,
			Items: &llm.Schema{Type: llm.TypeString},
		},
	},
	Required: []string{"query"},
}

type QueryGenerator struct {
	llm llm.Client
}

func NewQueryGenerator(client llm.Client) *QueryGenerator {
	return &QueryGenerator{llm: client}
}

// Generate asks the model for statements answering intent against the
// schema. A non-nil prior is quoted back so the model can correct it.
func (g *QueryGenerator) Generate(ctx context.Context, intent, schemaText string, prior *Failure) (SQLQuery, error) {
	if isNoActionable(intent) {
		return SQLQuery{}, ErrNoActionableRequest
	}

	// query is required; a missing or null field is malformed output, not
	// an empty plan.
	var out struct {
		Statements *[]string `json:"query"`
	}
	if err := g.llm.CompleteStructured(ctx, buildGeneratePrompt(intent, schemaText, prior), sqlQuerySchema, &out); err != nil {
		return SQLQuery{}, &QueryGenerationError{Err: err}
	}
	if out.Statements == nil {
		return SQLQuery{}, &QueryGenerationError{Err: &llm.StructuredOutputError{Err: errors.New(`required field "query" is missing`)}}
	}

	statements := make([]string, 0, len(*out.Statements))
	for _, statement := range *out.Statements {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		statements = append(statements, strings.TrimSpace(statement))
	}
	return SQLQuery{Statements: statements}, nil
}
