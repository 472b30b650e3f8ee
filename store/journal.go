package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// AddJournal inserts a journal record, in the same transaction as the change
// it describes. The record exists iff the change committed.
func AddJournal(tx *bstore.Tx, kind string, mailboxID int64, uid UID, messageID int64) error {
	j := Journal{Kind: kind, MailboxID: mailboxID, UID: uid, MessageID: messageID, Time: time.Now()}
	if err := tx.Insert(&j); err != nil {
		return fmt.Errorf("inserting journal record: %w", err)
	}
	return nil
}

// JournalSince returns journal records with ID > last, oldest first,
// optionally limited to one mailbox. For long-poll watchers catching up on
// changes they did not directly observe.
func (a *Alias) JournalSince(ctx context.Context, last int64, mailboxID int64) ([]Journal, error) {
	q := bstore.QueryDB[Journal](ctx, a.DB)
	q.FilterGreater("ID", last)
	if mailboxID > 0 {
		q.FilterNonzero(Journal{MailboxID: mailboxID})
	}
	q.SortAsc("ID")
	return q.List()
}
