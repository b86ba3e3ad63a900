package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"mcpgateway/internal/audit"
)

// filterFromQuery parses the audit read filters.
func filterFromQuery(r *http.Request) audit.Filter {
	q := r.URL.Query()
	filter := audit.Filter{
		Stream:       q.Get("stream"),
		Username:     q.Get("username"),
		Operation:    q.Get("operation"),
		ResourceType: q.Get("resource_type"),
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = t
		}
	}
	if raw := q.Get("status_min"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.StatusMin = n
		}
	}
	if raw := q.Get("status_max"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.StatusMax = n
		}
	}
	if q.Get("sort") == "asc" {
		filter.SortAscending = true
	}
	if raw := q.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Page = n
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.PageSize = n
		}
	}
	return filter
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	filter := filterFromQuery(r)
	events, total, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"total_count": total,
		"page":        page,
	})
}

// handleAuditExport streams the filtered events as JSONL for offline
// analysis.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	filter := filterFromQuery(r)
	if filter.PageSize == 0 {
		filter.PageSize = 10000
	}
	events, _, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", "attachment; filename=audit-export.jsonl")
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return
		}
	}
}
