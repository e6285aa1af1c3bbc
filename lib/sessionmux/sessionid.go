package sessionmux

import (
	"fmt"
	"strconv"
	"strings"
)

// SessionID identifies one client session on one page. The wire form embeds
// the page id so routing never needs a lookup table:
// <pageId>-session-<seq>. Seq comes from a process-wide monotonic counter and
// is never reused.
type SessionID struct {
	PageID string
	Seq    uint64
}

func (id SessionID) String() string {
	return id.PageID + "-session-" + strconv.FormatUint(id.Seq, 10)
}

// ParseSessionID recovers a SessionID from its wire form. Page ids never
// contain the "-session-" marker, but a page named by a hostile client might,
// so the split is on the last occurrence.
func ParseSessionID(s string) (SessionID, error) {
	i := strings.LastIndex(s, "-session-")
	if i <= 0 {
		return SessionID{}, fmt.Errorf("malformed session id: %q", s)
	}
	seq, err := strconv.ParseUint(s[i+len("-session-"):], 10, 64)
	if err != nil {
		return SessionID{}, fmt.Errorf("malformed session id: %q", s)
	}
	return SessionID{PageID: s[:i], Seq: seq}, nil
}
