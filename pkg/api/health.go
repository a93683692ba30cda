package api

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	records := s.Health.Records()
	overall := "healthy"
	for _, rec := range records {
		if rec.State != "healthy" && rec.State != "" {
			overall = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     overall,
		"uptime":     time.Since(s.startedAt).String(),
		"components": records,
	})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "debug-hostd",
		"description": "Local developer debug-host control plane.",
		"endpoints": []string{
			"POST /mcp/initialize",
			"POST /mcp/tools/list",
			"POST /mcp/tools/call",
			"GET /mcp/logs/:projectId/stream",
			"GET /health",
			"GET /api/docs",
			"GET /api/servers",
			"GET /api/projects",
			"POST /api/projects",
			"GET /api/servers/:id/status",
			"POST /api/projects/:id/start",
			"POST /api/projects/:id/stop",
			"POST /api/projects/:id/restart",
			"GET /api/projects/:id/health",
			"GET|PUT /api/projects/:id/config",
			"POST /api/projects/:id/exec",
			"POST /api/projects/batch",
			"GET /api/ports/suggest",
			"GET /api/ports/:port/check",
			"GET /api/metrics/containers",
			"GET /api/metrics/:containerId",
			"GET /api/metrics/:containerId/history",
			"GET /api/metrics/:containerId/stream",
			"GET /api/metrics/stats",
		},
	})
}

func (s *Server) handleProjectHealth(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := s.Projects.Get(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.projectHealthPayload(id))
}

func (s *Server) projectHealthPayload(projectID string) map[string]interface{} {
	state := s.Lifecycle.State(projectID)
	return map[string]interface{}{
		"projectId":      projectID,
		"lifecycleState": state,
	}
}
