package api

import "net/http"

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r); !ok {
		return
	}
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}
	snapshot := deps.Agent.Schema()
	writeJSON(w, http.StatusOK, map[string]any{
		"tables":    snapshot.Tables(),
		"formatted": deps.Agent.SchemaText(),
	})
}
