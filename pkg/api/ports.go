package api

import (
	"net/http"
	"strconv"

	"github.com/debug-host/hostd/pkg/apperr"
)

func (s *Server) handlePortsSuggest(w http.ResponseWriter, r *http.Request) {
	stack := r.URL.Query().Get("type")
	if stack == "" {
		stack = r.URL.Query().Get("stack")
	}
	count := 5
	if raw := r.URL.Query().Get("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stack": stack,
		"ports": s.Ports.Suggest(stack, count),
	})
}

func (s *Server) handlePortCheck(w http.ResponseWriter, r *http.Request) {
	raw := pathParam(r, "port")
	port, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, apperr.Newf(apperr.InvalidPort, "invalid port %q", raw))
		return
	}

	alloc, allocated := s.Ports.Check(port)
	if !allocated {
		writeJSON(w, http.StatusOK, map[string]interface{}{"port": port, "available": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"port":      port,
		"available": false,
		"allocation": alloc,
	})
}
