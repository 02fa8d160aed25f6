package records

import (
	"encoding/base64"
	"strings"
	"time"
)

const cursorSeparator = "|"

// Cursor marks the position after the last item of a page. A cursor with an
// empty ID only bounds on time: no id sorts below the empty string, so equal
// timestamps are excluded.
type Cursor struct {
	ObservedAt time.Time
	ID         string
}

// Admits reports whether o sorts strictly after the cursor position, i.e.
// o belongs on a later page.
func (c Cursor) Admits(o Observation) bool {
	if o.ObservedAt.Before(c.ObservedAt) {
		return true
	}
	return o.ObservedAt.Equal(c.ObservedAt) && o.ID < c.ID
}

// Token encodes the cursor as an opaque URL-safe string.
func (c Cursor) Token() string {
	raw := c.ObservedAt.UTC().Format(time.RFC3339Nano) + cursorSeparator + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseToken decodes a token produced by Token. Any malformed token yields
// nil so callers fall back to the first page.
func ParseToken(token string) *Cursor {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil
	}
	ts, id, ok := strings.Cut(string(raw), cursorSeparator)
	if !ok {
		return nil
	}
	return ParseCursor(ts, id)
}

// ParseCursor builds a cursor from its two query parameter halves. An
// unparsable or missing timestamp yields nil; an id without a timestamp is
// ignored the same way.
func ParseCursor(observedBefore, idBefore string) *Cursor {
	observedBefore = strings.TrimSpace(observedBefore)
	if observedBefore == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, observedBefore)
	if err != nil {
		return nil
	}
	return &Cursor{ObservedAt: NormalizeTime(t), ID: strings.TrimSpace(idBefore)}
}
