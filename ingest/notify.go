package ingest

import (
	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/store"
)

// notify runs the fan-out for a committed append: first the synchronous
// broadcast to live connections watching the alias, then the best-effort push
// wake. The journal record was already inserted in the append transaction
// itself, it exists iff the message does.
func (ap *Appender) notify(log *mlog.Log, mb store.Mailbox, m store.Message) {
	store.BroadcastChanges(ap.Alias, []store.Change{store.ChangeAddUID{
		MailboxID: mb.ID,
		UID:       m.UID,
		ModSeq:    m.ModSeq,
		Flags:     m.Flags,
	}})

	if ap.Push != nil {
		ap.Push.Notify(ap.Alias.Name, mb.ID)
	}

	log.Debug("append fan-out done", mlog.Field("mailbox", mb.ID), mlog.Field("uid", m.UID))
}
