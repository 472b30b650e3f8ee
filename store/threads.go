package store

import (
	"github.com/mjl-/bstore"

	"github.com/mjl-/mstore/mlog"
)

// ResolveThread returns the thread id for a new message: the thread of the
// oldest stored message matching one of the referenced canonical message-ids,
// or, for responses only, of the oldest message with the same base subject.
// Returns 0 when no thread matches, the message then starts its own thread
// (callers set ThreadID to the message's own id after insert).
//
// Must run inside the write transaction that inserts the message. The single
// writer serializes two near-simultaneous first messages of a conversation,
// making find-or-create race free without a uniqueness constraint on the
// subject.
//
// Lookup errors are logged and resolve to a new thread. A message in a fresh
// thread is a better failure mode than a rejected append.
func ResolveThread(log *mlog.Log, tx *bstore.Tx, refs []string, subjectBase string, isResponse bool) int64 {
	for _, ref := range refs {
		q := bstore.QueryTx[Message](tx)
		q.FilterNonzero(Message{MessageID: ref})
		q.SortAsc("ID")
		q.Limit(1)
		m, err := q.Get()
		if err == bstore.ErrAbsent {
			continue
		} else if err != nil {
			log.Errorx("looking up referenced message for threading, starting new thread", err, mlog.Field("ref", ref))
			return 0
		}
		if m.ThreadID > 0 {
			return m.ThreadID
		}
	}

	if isResponse && subjectBase != "" {
		q := bstore.QueryTx[Message](tx)
		q.FilterNonzero(Message{SubjectBase: subjectBase})
		q.SortAsc("ID")
		q.Limit(1)
		m, err := q.Get()
		if err == bstore.ErrAbsent {
			return 0
		} else if err != nil {
			log.Errorx("looking up message by base subject for threading, starting new thread", err, mlog.Field("subjectbase", subjectBase))
			return 0
		}
		if m.ThreadID > 0 {
			return m.ThreadID
		}
	}
	return 0
}
