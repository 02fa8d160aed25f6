package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/records"
)

type conditionsResponse struct {
	Resource      records.Resource     `json:"resource"`
	LatestRecord  *records.Observation `json:"latestRecord"`
	RunStatusPage pageResponse         `json:"runStatusPage"`
}

// pageResponse exposes the next cursor both as its two halves and as an
// opaque token. All three are null on the last page.
type pageResponse struct {
	Items             []records.Observation `json:"items"`
	NextUpdatedBefore *time.Time            `json:"nextUpdatedBefore"`
	NextIDBefore      *string               `json:"nextIdBefore"`
	NextCursor        *string               `json:"nextCursor"`
}

func newPageResponse(page records.Page) pageResponse {
	resp := pageResponse{Items: page.Items}
	if resp.Items == nil {
		resp.Items = []records.Observation{}
	}
	if c := page.NextCursor; c != nil {
		at, id, token := c.ObservedAt, c.ID, c.Token()
		resp.NextUpdatedBefore = &at
		resp.NextIDBefore = &id
		resp.NextCursor = &token
	}
	return resp
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.catalog.ListResources(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if resources == nil {
		resources = []records.Resource{}
	}
	s.writeJSON(w, http.StatusOK, resources)
}

// resource resolves the {id} path parameter. It writes the error response
// and returns false when the id is invalid or unknown.
func (s *Server) resource(w http.ResponseWriter, r *http.Request) (records.Resource, bool) {
	id, err := records.ParseResourceID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid resource id")
		return records.Resource{}, false
	}
	res, err := s.catalog.GetResource(r.Context(), id)
	if errors.Is(err, errspkg.ErrResourceNotFound) {
		s.writeError(w, http.StatusNotFound, "resource not found")
		return records.Resource{}, false
	}
	if err != nil {
		s.internalError(w, r, err)
		return records.Resource{}, false
	}
	return res, true
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	res, ok := s.resource(w, r)
	if !ok {
		return
	}

	latest, err := s.catalog.LatestRecord(r.Context(), res.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	q := r.URL.Query()
	page, err := s.reader.GetPage(r.Context(), res.ID, cursorFromQuery(q), pageSizeFromQuery(q))
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, conditionsResponse{
		Resource:      res,
		LatestRecord:  latest,
		RunStatusPage: newPageResponse(page),
	})
}

// cursorFromQuery prefers the opaque cursor token and falls back to the
// cursorUpdatedBefore/cursorIdBefore pair. Anything unparsable means no
// cursor.
func cursorFromQuery(q url.Values) *records.Cursor {
	if c := records.ParseToken(q.Get("cursor")); c != nil {
		return c
	}
	// An unescaped "+" in a timestamp offset arrives as a space.
	before := strings.ReplaceAll(strings.TrimSpace(q.Get("cursorUpdatedBefore")), " ", "+")
	return records.ParseCursor(before, q.Get("cursorIdBefore"))
}

func pageSizeFromQuery(q url.Values) int {
	n, err := strconv.Atoi(q.Get("pageSize"))
	if err != nil {
		return 0
	}
	return n
}

// handleHistoryStream writes every observation of the resource, oldest
// first, as newline-delimited JSON.
func (s *Server) handleHistoryStream(w http.ResponseWriter, r *http.Request) {
	res, ok := s.resource(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	count := 0
	err := s.catalog.StreamRecords(r.Context(), res.ID, func(o records.Observation) error {
		if err := jsoncodec.Encode(w, o); err != nil {
			return err
		}
		count++
		if count%100 == 0 {
			return rc.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are gone; the truncated stream is all the client gets.
		s.logger.Error("History stream aborted", err, logging.LogFields{
			"resource_id": res.ID,
			"written":     count,
		})
		return
	}
	_ = rc.Flush()
}
