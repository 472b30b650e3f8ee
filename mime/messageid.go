package mime

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadMessageID = errors.New("not a message-id")

// MessageIDCanonical parses the value of a Message-ID header, returning a
// lower-cased form for matching against References and In-Reply-To of other
// messages. Angle brackets are stripped and whitespace inside the id, as
// introduced by rewrapping agents, is removed. The second return value
// indicates whether the id lacked an "@", such ids are still usable but more
// likely to collide.
func MessageIDCanonical(s string) (string, bool, error) {
	id, _ := parseMsgID(s)
	if id == "" {
		return "", false, fmt.Errorf("%w: %q", ErrBadMessageID, s)
	}
	return id, !strings.Contains(id, "@"), nil
}

// parseMsgID parses the first message-id in s, returning the canonical id and
// the remainder of s after the closing angle bracket. An unterminated id
// followed by a new "<" is discarded and parsing restarts, ids are sometimes
// truncated by broken agents.
func parseMsgID(s string) (id, rest string) {
	i := strings.IndexByte(s, '<')
	if i < 0 {
		return "", ""
	}
	s = s[i+1:]
	var b strings.Builder
	for j := 0; j < len(s); j++ {
		switch c := s[j]; c {
		case '>':
			return strings.ToLower(b.String()), s[j+1:]
		case '<':
			b.Reset()
		case ' ', '\t', '\r', '\n':
			// Whitespace from header wrapping, not part of the id.
		default:
			b.WriteByte(c)
		}
	}
	return "", ""
}
