package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/duckmesh/dbagent/internal/database"
)

const maxSummaryRows = 100

func buildIntentPrompt(prior []Message, latest string) string {
	var convo strings.Builder
	for _, msg := range prior {
		if msg.Role != RoleUser {
			continue
		}
		convo.WriteString("User: ")
		convo.WriteString(msg.Content)
		convo.WriteString("\n")
	}
	return fmt.Sprintf(
		"You are an assistant helping to interact with a database. Here is the conversation so far:\n\n%s\nThe user has now said:\n\n%s\n\n"+
			"Based on the conversation, understand the user's intent and write a clear and detailed request that can be used to create SQL queries.\n"+
			"Make the request self-contained so it can be understood without the conversation.\n"+
			"If the intent is unclear or not related to the database, reply with exactly %q.",
		convo.String(),
		strings.TrimSpace(latest),
		NoActionableRequest,
	)
}

func buildGeneratePrompt(intent, schemaText string, prior *Failure) string {
	var b strings.Builder
	b.WriteString("You are a SQL expert. Given the following database schema:\n\n")
	b.WriteString(schemaText)
	b.WriteString("\n\nThe user has asked the following question or made the following request:\n\n")
	fmt.Fprintf(&b, "%q\n\n", strings.TrimSpace(intent))
	if prior != nil {
		fmt.Fprintf(&b, "The previous query attempt failed with the following error:\n%s\nPlease correct it.\n\n", prior.String())
	}
	b.WriteString("Break the request into steps if necessary and write one or more SQL statements that fulfill it.\n")
	b.WriteString("Use only tables and columns from the schema. Order the statements so that dependencies run first.\n")
	b.WriteString(`Answer with a JSON object of the form {"query": ["<statement>", ...]}.`)
	return b.String()
}

func buildSummaryPrompt(question, intent string, result *Result) (string, error) {
	rows, total := capRows(result.Sets, maxSummaryRows)
	body, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal result rows: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant. The user asked: %q\n", strings.TrimSpace(question))
	if intent != "" && intent != question {
		fmt.Fprintf(&b, "Interpreted request: %q\n", intent)
	}
	b.WriteString("\nThe database returned these result sets as JSON, one array per statement:\n")
	b.Write(body)
	b.WriteString("\n")
	if total > maxSummaryRows {
		fmt.Fprintf(&b, "(only the first %d of %d rows are shown)\n", maxSummaryRows, total)
	}
	b.WriteString("\nWrite a natural-language summary of the result in a clear, structured format.")
	return b.String(), nil
}

// capRows keeps at most limit rows across all sets and reports the total.
func capRows(sets [][]database.Row, limit int) ([][]database.Row, int) {
	total := 0
	for _, set := range sets {
		total += len(set)
	}
	out := make([][]database.Row, 0, len(sets))
	remaining := limit
	for _, set := range sets {
		if len(set) > remaining {
			set = set[:remaining]
		}
		remaining -= len(set)
		out = append(out, set)
	}
	return out, total
}
