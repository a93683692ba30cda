package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/logs"
)

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	projectID := pathParam(r, "projectId")
	p, err := s.Projects.Get(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.ContainerID == "" {
		writeError(w, apperr.Newf(apperr.StateViolation, "project %q has no running container", projectID))
		return
	}

	q := r.URL.Query()
	filter := logs.Filter{
		Level:  q.Get("level"),
		Stream: q.Get("stream"),
		Search: q.Get("search"),
	}
	includeHistory := q.Get("includeHistory") != "false"
	tail := 100
	if raw := q.Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tail = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "streaming not supported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub, err := s.Logs.Subscribe(p.ContainerID, filter, includeHistory, tail)
	if err != nil {
		writeSSE(w, "error", map[string]string{"message": err.Error()})
		flusher.Flush()
		return
	}
	defer s.Logs.Unsubscribe(sub)

	writeSSE(w, "connected", map[string]string{"containerId": p.ContainerID, "projectId": projectID})
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Closed():
			if sub.Errored() {
				writeSSE(w, "error", map[string]string{"message": "subscriber fell behind and was disconnected"})
				flusher.Flush()
			}
			return
		case item, ok := <-sub.Queue:
			if !ok {
				return
			}
			if item.Historical {
				writeSSE(w, "historical", item)
			} else {
				writeSSE(w, "log", item.Entry)
			}
			flusher.Flush()
		case <-heartbeat.C:
			writeSSE(w, "heartbeat", map[string]int64{"at": time.Now().Unix()})
			flusher.Flush()
		}
	}
}
