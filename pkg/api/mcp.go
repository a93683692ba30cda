package api

import (
	"net/http"

	"github.com/debug-host/hostd/pkg/apperr"
)

type mcpTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

var mcpTools = []mcpTool{
	{
		Name:        "list_projects",
		Description: "List every registered project with derived status.",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	},
	{
		Name:        "start_project",
		Description: "Start a project's container (or native process with native=true).",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":     map[string]string{"type": "string"},
				"native": map[string]string{"type": "boolean"},
			},
			"required": []string{"id"},
		},
	},
	{
		Name:        "stop_project",
		Description: "Stop a project's container or native process.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]string{"type": "string"}},
			"required":   []string{"id"},
		},
	},
	{
		Name:        "project_health",
		Description: "Return a project's latest health status.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]string{"type": "string"}},
			"required":   []string{"id"},
		},
	},
	{
		Name:        "suggest_port",
		Description: "Suggest free ports for a given tech stack.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"stack": map[string]string{"type": "string"}},
			"required":   []string{"stack"},
		},
	},
}

func (s *Server) handleMCPInitialize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "debug-hostd",
			"version": "1.0.0",
		},
	})
}

func (s *Server) handleMCPToolsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": mcpTools})
}

type mcpToolCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleMCPToolsCall(w http.ResponseWriter, r *http.Request) {
	var req mcpToolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.dispatchTool(r, req.Name, req.Arguments)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"result": nil,
			"error": map[string]interface{}{
				"code":    string(apperr.CodeOf(err)),
				"message": apperr.MessageOf(err),
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result, "error": nil})
}

func (s *Server) dispatchTool(r *http.Request, name string, args map[string]interface{}) (interface{}, error) {
	switch name {
	case "list_projects":
		return s.Projects.List(), nil
	case "start_project":
		id, _ := args["id"].(string)
		if err := s.Lifecycle.StartContainer(r.Context(), id); err != nil {
			return nil, err
		}
		return map[string]string{"status": "started"}, nil
	case "stop_project":
		id, _ := args["id"].(string)
		if err := s.Lifecycle.StopContainer(r.Context(), id); err != nil {
			return nil, err
		}
		return map[string]string{"status": "stopped"}, nil
	case "project_health":
		id, _ := args["id"].(string)
		return s.projectHealthPayload(id), nil
	case "suggest_port":
		stack, _ := args["stack"].(string)
		return s.Ports.Suggest(stack, 5), nil
	default:
		return nil, apperr.Newf(apperr.NotFound, "unknown tool %q", name)
	}
}
