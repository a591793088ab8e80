package diag

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	rtsup "keyq/internal/runtime/supervisor"
	"keyq/internal/storage"
	logx "keyq/pkg/logx"
)

const maxRetiredLimit = 1000

type healthResponse struct {
	Status      string                    `json:"status"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if len(s.deps.Supervisors) > 0 {
		resp.Supervisors = make(map[string]rtsup.Snapshot, len(s.deps.Supervisors))
		for name, sup := range s.deps.Supervisors {
			if sup == nil {
				continue
			}
			snap := sup.Snapshot()
			if snap.FirstError != "" {
				resp.Status = "degraded"
			}
			resp.Supervisors[name] = snap
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStats serves every queue, or one with ?key=.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if key := strings.TrimSpace(r.URL.Query().Get("key")); key != "" {
		s.writeJSON(w, http.StatusOK, s.deps.Stats.GetStats(key))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Stats.GetAllStats())
}

// handleRetired serves archived queue records: ?key=, ?run=, ?limit=.
func (s *Service) handleRetired(w http.ResponseWriter, r *http.Request) {
	q := storage.Query{
		Key:   strings.TrimSpace(r.URL.Query().Get("key")),
		RunID: strings.TrimSpace(r.URL.Query().Get("run")),
		Limit: 100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = min(n, maxRetiredLimit)
	}
	recs, err := s.deps.Store.ListRetired(r.Context(), q)
	if err != nil {
		s.log.Warn("list retired failed", logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("write response failed", logx.Err(err))
	}
}
