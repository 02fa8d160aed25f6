package httpapi

import (
	"net/http"
	"strings"

	"github.com/drblury/conditionflow/internal/runtime/records"
)

// reportResourceIDs collects resourceId (repeatable, or comma separated)
// from the query. It reports false when any id is not a UUID.
func reportResourceIDs(r *http.Request) ([]string, bool) {
	var ids []string
	for _, raw := range r.URL.Query()["resourceId"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			id, err := records.ParseResourceID(part)
			if err != nil {
				return nil, false
			}
			ids = append(ids, id)
		}
	}
	return ids, true
}

// handleSnowComparison returns the observations of the requested resources
// inside the report window, ordered by resource name then time.
func (s *Server) handleSnowComparison(w http.ResponseWriter, r *http.Request) {
	ids, ok := reportResourceIDs(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	if len(ids) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one resourceId must be specified")
		return
	}

	since := records.NormalizeTime(s.now().Add(-s.cfg.ReportWindow))
	rows, err := s.catalog.RecordsSince(r.Context(), ids, since)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rows == nil {
		rows = []records.ComparisonRow{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}
