package mime

import (
	"strings"
)

// ThreadSubject returns the base subject used for matching messages to an
// existing thread, following the algorithm from RFC 5256 (SORT, "base
// subject"). The subject must already be q/b-word-decoded. isResponse
// indicates the subject was a reply or forward marker, such messages never
// start a new thread on subject alone.
//
// If allowNull is false, a base subject containing a null byte is returned as
// the empty string, the database cannot store nulls in strings.
func ThreadSubject(subject string, allowNull bool) (base string, isResponse bool) {
	s := strings.ToLower(subject)
	s = strings.Join(strings.Fields(s), " ")

	for {
		// Trailing "(fwd)" markers.
		for {
			t := strings.TrimRight(s, " ")
			t = strings.TrimSuffix(t, "(fwd)")
			t = strings.TrimRight(t, " ")
			if t == s {
				break
			}
			s = t
			isResponse = true
		}

		// Leading re/fw/fwd markers and list tags, until nothing changes.
		for {
			t := s
			if u, ok := trimLeader(t); ok {
				t = u
				isResponse = true
			}
			if u, ok := subjectBlob(t); ok && u != "" {
				t = u
			}
			if t == s {
				break
			}
			s = t
		}

		// "[fwd: ...]" wrapping, start over on the inner subject.
		if strings.HasPrefix(s, "[fwd:") && strings.HasSuffix(s, "]") {
			s = strings.TrimSpace(s[len("[fwd:") : len(s)-1])
			isResponse = true
			continue
		}
		break
	}

	if !allowNull && strings.ContainsRune(s, 0) {
		s = ""
	}
	return s, isResponse
}

// subjectBlob strips a leading "[...]" tag plus trailing space, returning
// whether a tag was present.
func subjectBlob(s string) (rest string, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return s, false
	}
	i := strings.IndexByte(s, ']')
	if i < 0 {
		return s, false
	}
	return strings.TrimLeft(s[i+1:], " "), true
}

// trimLeader strips a leading "re:"/"fw:"/"fwd:" marker, optionally preceded
// by "[...]" tags and optionally with a tag between the word and the colon.
func trimLeader(s string) (rest string, ok bool) {
	t := s
	for {
		u, ok := subjectBlob(t)
		if !ok {
			break
		}
		t = u
	}
	for _, w := range []string{"re", "fwd", "fw"} {
		if !strings.HasPrefix(t, w) {
			continue
		}
		u := strings.TrimLeft(t[len(w):], " ")
		u, _ = subjectBlob(u)
		if strings.HasPrefix(u, ":") {
			return strings.TrimLeft(u[1:], " "), true
		}
	}
	return s, false
}
