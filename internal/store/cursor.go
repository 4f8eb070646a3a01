package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor anchors cursor-mode pagination (spec §4.5) at a point in the
// (date_created_ms, local_id) ordering. local_id is the tie-breaker the
// spec's Open Question (§9) asks implementers to add: date_created alone
// cannot disambiguate rows sharing a millisecond, but local_id is
// monotonic and unique per table, so (Ms, LocalID) is a total order.
type Cursor struct {
	Ms      int64
	LocalID int64
}

// Zero reports whether c is the anchor cursor (paginate from the tail).
func (c Cursor) Zero() bool { return c.Ms == 0 && c.LocalID == 0 }

// Encode produces an opaque, base64-encoded cursor string. The zero cursor
// encodes to "" so callers can omit it entirely on the first page.
func Encode(c Cursor) string {
	if c.Zero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%d", c.Ms, c.LocalID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor string produced by Encode. An empty or malformed
// string decodes to the zero cursor with ok=false.
func Decode(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, false
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{Ms: ms, LocalID: id}, true
}

// Direction selects ascending or descending cursor-mode pagination.
type Direction int

const (
	Descending Direction = iota
	Ascending
)
