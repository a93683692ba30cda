package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/debug-host/hostd/pkg/apperr"
	"github.com/debug-host/hostd/pkg/metrics"
)

func (s *Server) handleMetricsContainers(w http.ResponseWriter, r *http.Request) {
	projectList := s.Projects.List()
	out := make([]map[string]interface{}, 0, len(projectList))
	for _, p := range projectList {
		if p.ContainerID == "" {
			continue
		}
		sample, ok := s.Metrics.Store.LatestSample(p.ContainerID)
		entry := map[string]interface{}{"containerId": p.ContainerID, "projectId": p.ID}
		if ok {
			entry["latest"] = sample
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": out})
}

func (s *Server) handleMetricsLatest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "containerId")
	sample, ok := s.Metrics.Store.LatestSample(id)
	if !ok {
		writeError(w, apperr.Newf(apperr.NotFound, "no metrics for container %q", id))
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "containerId")
	q := r.URL.Query()

	var startTime, endTime time.Time
	if raw := q.Get("startTime"); raw != "" {
		startTime, _ = time.Parse(time.RFC3339, raw)
	}
	if raw := q.Get("endTime"); raw != "" {
		endTime, _ = time.Parse(time.RFC3339, raw)
	}
	resolution := metrics.Resolution(q.Get("resolution"))
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	result, err := s.Metrics.Store.Query(id, startTime, endTime, resolution, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containerId": id, "resolution": resolution, "data": result})
}

func (s *Server) handleMetricsStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recoveryHistory": s.Health.History(),
	})
}

func parseMetricKinds(raw string) []metrics.MetricKind {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]metrics.MetricKind, 0, len(parts))
	for _, p := range parts {
		out = append(out, metrics.MetricKind(strings.TrimSpace(p)))
	}
	return out
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "containerId")
	q := r.URL.Query()
	interval := metrics.Interval(q.Get("interval"))
	kinds := parseMetricKinds(q.Get("metrics"))
	includeHistory := q.Get("includeHistory") == "true"

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "streaming not supported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.Metrics.SubscribeWithHistory(id, interval, kinds, includeHistory)
	defer s.Metrics.Stream.Unsubscribe(sub)

	writeSSE(w, "stream_started", map[string]string{"containerId": id})
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Closed():
			writeSSE(w, "collector_stopped", map[string]string{"containerId": id})
			flusher.Flush()
			return
		case item, ok := <-sub.Queue:
			if !ok {
				return
			}
			if item.Historical {
				writeSSE(w, "historical", item)
			} else {
				writeSSE(w, "metrics", item.Sample)
			}
			flusher.Flush()
		case <-heartbeat.C:
			writeSSE(w, "heartbeat", map[string]int64{"at": time.Now().Unix()})
			flusher.Flush()
		}
	}
}
