package api

import (
	"net/http"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/lifecycle"
	"github.com/debug-host/hostd/pkg/projects"
)

type projectView struct {
	*projects.Project
	LifecycleState lifecycle.State `json:"lifecycleState"`
}

func (s *Server) view(p *projects.Project) projectView {
	return projectView{Project: p, LifecycleState: s.Lifecycle.State(p.ID)}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list := s.Projects.List()
	views := make([]projectView, 0, len(list))
	for _, p := range list {
		views = append(views, s.view(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": views})
}

type createProjectRequest struct {
	Name          string            `json:"name"`
	Path          string            `json:"path"`
	Stack         string            `json:"stack"`
	LaunchCommand string            `json:"launchCommand"`
	Port          int               `json:"port"`
	Env           map[string]string `json:"env"`
	Volumes       []string          `json:"volumes"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	stack := req.Stack
	launchCmd := req.LaunchCommand
	if stack == "" && s.Detector != nil {
		if res, ok, err := s.Detector.Detect(req.Path); err == nil && ok {
			stack = res.Stack
			if launchCmd == "" {
				launchCmd = res.LaunchCommand
			}
		}
	}

	p, err := s.Projects.Create(req.Name, req.Path, stack, launchCmd, req.Port, req.Env, req.Volumes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(p))
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := s.Projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) handleStartProject(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	native := r.URL.Query().Get("native") == "true"

	mode := "container"
	var err error
	if native {
		mode = "native"
		err = s.Lifecycle.StartNative(r.Context(), id)
	} else {
		err = s.Lifecycle.StartContainer(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if _, updErr := s.Projects.Update(id, func(pr *projects.Project) error {
		pr.Mode = mode
		return nil
	}); updErr != nil {
		writeError(w, updErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "mode": mode})
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := s.Projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if p.Mode == "native" {
		err = s.Lifecycle.StopNative(r.Context(), id)
	} else {
		err = s.Lifecycle.StopContainer(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestartProject(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := s.Projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if p.Mode == "native" {
		if err := s.Lifecycle.StopNative(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		err = s.Lifecycle.StartNative(r.Context(), id)
	} else {
		err = s.Lifecycle.RestartContainer(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleGetProjectConfig(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := s.Projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"env":     p.Env,
		"volumes": p.Volumes,
		"port":    p.Port,
	})
}

type putProjectConfigRequest struct {
	Env     map[string]string `json:"env"`
	Volumes []string          `json:"volumes"`
}

func (s *Server) handlePutProjectConfig(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req putProjectConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := s.Projects.Update(id, func(pr *projects.Project) error {
		pr.Env = req.Env
		pr.Volumes = req.Volumes
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

type execProjectRequest struct {
	Argv []string `json:"argv"`
}

func (s *Server) handleExecProject(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req execProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, apperr.New(apperr.Validation, "argv must not be empty"))
		return
	}

	p, err := s.Projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.ContainerID == "" {
		writeError(w, apperr.Newf(apperr.StateViolation, "project %q has no running container", id))
		return
	}

	output, exitCode, err := s.Runtime.Exec(r.Context(), p.ContainerID, req.Argv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"output": output, "exitCode": exitCode})
}

type batchProjectsRequest struct {
	Op  string   `json:"op"`
	IDs []string `json:"ids"`
}

func (s *Server) handleBatchProjects(w http.ResponseWriter, r *http.Request) {
	var req batchProjectsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	results := s.Lifecycle.Batch(r.Context(), lifecycle.Op(req.Op), req.IDs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
