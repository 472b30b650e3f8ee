package mime

import (
	"golang.org/x/exp/slices"
)

// ReferencedIDs returns the canonical message-ids referenced by the References
// header(s), for matching a message to an existing thread. If References
// yields no ids, the first id from In-Reply-To is used. Unparseable ids are
// skipped, duplicates are dropped.
func ReferencedIDs(references, inReplyTo []string) ([]string, error) {
	var refs []string
	for _, line := range references {
		s := line
		for s != "" {
			id, rest := parseMsgID(s)
			if id != "" && !slices.Contains(refs, id) {
				refs = append(refs, id)
			}
			if rest == "" && id == "" {
				break
			}
			s = rest
		}
	}
	if len(refs) == 0 {
		for _, line := range inReplyTo {
			if id, _ := parseMsgID(line); id != "" {
				refs = append(refs, id)
				break
			}
		}
	}
	return refs, nil
}
