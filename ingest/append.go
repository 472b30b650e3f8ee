// Package ingest implements the append pipeline: accepting a raw message into
// an alias mailbox and durably recording it, with quota enforcement, optional
// encryption and dedup, atomic UID/mod-sequence allocation, threading and
// change fan-out, and cleanup of attachment blobs on partial failure.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mstore/alert"
	"github.com/mjl-/mstore/encrypt"
	"github.com/mjl-/mstore/metrics"
	"github.com/mjl-/mstore/mime"
	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/mstore-"
	"github.com/mjl-/mstore/push"
	"github.com/mjl-/mstore/store"
	"github.com/mjl-/mstore/translate"
)

// Session identifies the authenticated submitter of an append. One explicit
// shape for all call sites, API and protocol alike.
type Session struct {
	AliasName string
	Domain    string
	RemoteIP  string
	Locale    string // BCP 47 tag for user-facing error text.

	EncryptionEnabled bool
	PublicKey         []byte // 32-byte X25519 key, nil if not configured.
}

// AppendRequest is one append operation.
type AppendRequest struct {
	MailboxName string
	Flags       []string // IMAP-style, e.g. `\Seen`, `\Draft`, `$Forwarded`.
	Received    time.Time
	Raw         []byte
	Session     Session

	// CheckExisting requests dedup by fingerprint within the target mailbox:
	// a repeated delivery attempt of identical content returns the stored
	// message instead of appending again. Used by inbound transfer, not by
	// client APPEND, re-sent content through another path is stored again.
	CheckExisting bool

	// SkipNotify suppresses the fan-out after commit, for bulk imports.
	SkipNotify bool
}

// Append statuses.
const (
	StatusNew      = "new"
	StatusExisting = "existing"
)

// AppendResult is returned to the transport layer on success.
type AppendResult struct {
	UIDValidity uint32
	UID         store.UID
	ModSeq      store.ModSeq
	MessageID   int64 // Message record id.
	MailboxID   int64
	MailboxName string
	Size        int64
	Status      string // StatusNew or StatusExisting.
}

// parsedSummary is stored in Message.ParsedBuf.
type parsedSummary struct {
	Envelope  mime.Envelope
	Structure mime.Structure
	Text      string
}

// Hook for tests to fail the append after the message was inserted but before
// the transaction commits.
var testHookPersist = func() error { return nil }

// Appender holds the collaborators of the append pipeline for one alias.
type Appender struct {
	Alias  *store.Alias
	Push   *push.Dispatcher // Optional.
	Alerts alert.Sender     // Optional.

	log *mlog.Log
}

// NewAppender returns an appender for an open alias store.
func NewAppender(a *store.Alias, p *push.Dispatcher, alerts alert.Sender) *Appender {
	return &Appender{Alias: a, Push: p, Alerts: alerts, log: mlog.New("ingest")}
}

// Append runs the full pipeline for one message. On success the message is
// durably stored with freshly allocated UID and mod-sequence, a journal
// record exists and fan-out has been triggered. On failure no message record
// remains and attachment blobs stored along the way have been released.
//
// Cancellation is honored until the encryption/parse phase. After that the
// append completes or fails as a whole, partial state is never left behind
// because a caller went away.
func (ap *Appender) Append(ctx context.Context, req AppendRequest) (res AppendResult, rerr error) {
	start := time.Now()
	defer func() {
		metrics.AppendObserve(time.Since(start))
		metrics.AppendInc(appendResultLabel(res, rerr))
	}()

	log := ap.log.WithContext(ctx).Fields(mlog.Field("alias", req.Session.AliasName), mlog.Field("mailbox", req.MailboxName))
	acc := ap.Alias
	locale := req.Session.Locale

	if maxSize := mstore.Conf.MaxMessageSize(); int64(len(req.Raw)) > maxSize {
		return res, newError(KindMessageTooLarge, "", locale, "message.toolarge", nil, maxSize)
	}

	ca, ok := acc.Conf()
	if !ok || ca.Config.Banned || ca.Config.Removed {
		return res, newError(KindAliasUnavailable, "", locale, "append.failed", fmt.Errorf("alias %q not accepting messages", acc.Name))
	}

	flags := parseFlags(req.Flags)

	// Cheap pre-check at zero additional bytes, rejecting already-over-quota
	// owners before parsing. Then the mailbox, which is never auto-created,
	// the caller gets the create-and-retry hint instead.
	var mb store.Mailbox
	err := acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		canAdd, _, err := acc.CanAddMessageSize(tx, 0)
		if err != nil {
			return err
		}
		if !canAdd {
			return newError(KindOverQuota, "OVERQUOTA", locale, "quota.over", nil)
		}
		mb, err = acc.MailboxFind(tx, req.MailboxName)
		if errors.Is(err, store.ErrUnknownMailbox) {
			return newError(KindMailboxNotFound, "TRYCREATE", locale, "mailbox.notfound", err, req.MailboxName)
		}
		return err
	})
	if err != nil {
		return res, err
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	// Fingerprint over the bytes as submitted. The encryption gate seals
	// with a fresh ephemeral key per attempt, a fingerprint of the
	// ciphertext would never match a repeated delivery.
	fingerprint := store.Fingerprint(acc.Name, req.Raw)

	// Encryption gate. Not for drafts, they come back for editing. A gate
	// failure stores the message unencrypted and alerts the owner out of
	// band, silently losing legitimate mail is worse than a best-effort
	// encryption miss.
	raw := req.Raw
	if !flags.Draft && req.Session.EncryptionEnabled && len(req.Session.PublicKey) > 0 {
		enc, err := encrypt.MaybeEncrypt(req.Session.PublicKey, raw)
		if err != nil {
			class := encrypt.Classify(err)
			metrics.EncryptGateInc(class)
			log.Errorx("encrypting message, storing unencrypted", err, mlog.Field("class", class))
			if class == "permanent" {
				ap.alertEncryptFailure(log, ca)
			}
		} else {
			raw = enc
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	// Point of no return: from here on we run on the shutdown context, the
	// append commits or fails atomically regardless of the caller.
	dbctx := mstore.Shutdown

	pm, err := mime.Parse(log, raw)
	if err != nil {
		return res, newError(KindPersistFailed, "", locale, "append.failed", fmt.Errorf("parsing message: %w", err))
	}

	// Attachment blobs first, outside the main transaction. Released again
	// below if the append does not store a new message.
	magics, err := acc.StoreAttachments(dbctx, log, pm.Attachments)
	if err != nil {
		return res, newError(KindPersistFailed, "", locale, "append.failed", err)
	}
	defer func() {
		if rerr != nil || res.Status == StatusExisting {
			acc.CleanupOrphans(log, magics)
		}
	}()

	parsedBuf, err := json.Marshal(parsedSummary{pm.Envelope, pm.Structure, pm.Text})
	if err != nil {
		return res, newError(KindPersistFailed, "", locale, "append.failed", fmt.Errorf("marshal parsed summary: %w", err))
	}

	received := req.Received
	if received.IsZero() {
		received = time.Now()
	}

	var m store.Message
	var existing *store.Message
	var msgPath string

	acc.WithWLock(func() {
		err := acc.DB.Write(dbctx, func(tx *bstore.Tx) error {
			// Dedup short-circuit, zero further writes on a hit.
			if req.CheckExisting {
				em, err := store.MessageByFingerprint(tx, mb.ID, fingerprint)
				if err == nil {
					existing = &em
					return nil
				} else if err != bstore.ErrAbsent {
					return fmt.Errorf("dedup lookup: %w", err)
				}
			}

			// Final quota check with the true size.
			canAdd, _, err := acc.CanAddMessageSize(tx, pm.Size)
			if err != nil {
				return err
			}
			if !canAdd {
				return newError(KindOverQuota, "OVERQUOTA", locale, "quota.over", nil)
			}

			uid, modseq, err := store.AllocateNext(tx, mb.ID)
			if errors.Is(err, store.ErrUnknownMailbox) {
				// Deleted since the resolve above, same create-and-retry hint.
				return newError(KindMailboxNotFound, "TRYCREATE", locale, "mailbox.notfound", err, req.MailboxName)
			} else if err != nil {
				return err
			}

			refs, _ := mime.ReferencedIDs(pm.Header["References"], pm.Header["In-Reply-To"])
			subjectBase, isResponse := mime.ThreadSubject(pm.Subject, false)
			threadID := store.ResolveThread(log, tx, refs, subjectBase, isResponse)

			m = store.Message{
				UID:              uid,
				MailboxID:        mb.ID,
				CreateSeq:        modseq,
				ModSeq:           modseq,
				ThreadID:         threadID,
				MessageID:        pm.Envelope.MessageID,
				SubjectBase:      subjectBase,
				Fingerprint:      fingerprint,
				Received:         received,
				Flags:            flags,
				Searchable:       !flags.Deleted,
				Size:             pm.Size,
				ParsedBuf:        parsedBuf,
				AttachmentMagics: magics,
			}
			if mb.Junk {
				m.Junk = true
			}
			if mb.Retention > 0 {
				m.Expires = received.Add(mb.Retention)
			}

			if err := tx.Insert(&m); err != nil {
				return fmt.Errorf("inserting message: %w", err)
			}
			if m.ThreadID == 0 {
				// First message of its conversation, the thread id is its own id.
				m.ThreadID = m.ID
				if err := tx.Update(&m); err != nil {
					return fmt.Errorf("updating thread id: %w", err)
				}
			}

			if err := store.AddJournal(tx, store.JournalExists, mb.ID, uid, m.ID); err != nil {
				return err
			}

			acc.AddMessageSize(log, tx, pm.Size)

			if err := testHookPersist(); err != nil {
				return err
			}

			// Message file inside the transaction: not committing removes it
			// again below.
			if err := acc.SaveMessageFile(m.ID, raw); err != nil {
				return err
			}
			msgPath = acc.MessagePath(m.ID)
			return nil
		})
		if err != nil && msgPath != "" {
			// Commit failed after the file was written.
			if rmErr := os.Remove(msgPath); rmErr != nil {
				log.Errorx("removing message file after failed append", rmErr, mlog.Field("path", msgPath))
			}
		}
		rerr = err
	})

	if existing != nil {
		res = AppendResult{
			UIDValidity: mb.UIDValidity,
			UID:         existing.UID,
			ModSeq:      existing.ModSeq,
			MessageID:   existing.ID,
			MailboxID:   mb.ID,
			MailboxName: mb.Name,
			Size:        existing.Size,
			Status:      StatusExisting,
		}
		return res, nil
	}
	if rerr != nil {
		var xerr *Error
		if !errors.As(rerr, &xerr) {
			rerr = newError(KindPersistFailed, "", locale, "append.failed", rerr)
		}
		return res, rerr
	}

	res = AppendResult{
		UIDValidity: mb.UIDValidity,
		UID:         m.UID,
		ModSeq:      m.ModSeq,
		MessageID:   m.ID,
		MailboxID:   mb.ID,
		MailboxName: mb.Name,
		Size:        m.Size,
		Status:      StatusNew,
	}

	if !req.SkipNotify {
		ap.notify(log, mb, m)
	}
	return res, nil
}

// alertEncryptFailure sends the owner an alert about a permanent encryption
// failure, at most once per 24h. The throttle is a conditional update on the
// alias state in one write transaction, racing appends produce one alert.
func (ap *Appender) alertEncryptFailure(log *mlog.Log, ca mstore.Alias) {
	due, err := ap.Alias.EncryptAlertDue(mstore.Shutdown, 24*time.Hour)
	if err != nil {
		log.Errorx("checking encryption alert throttle", err)
		return
	}
	if !due || ap.Alerts == nil || ca.Config.AlertAddress == "" {
		return
	}
	locale := ca.Config.Locale
	a := alert.Alert{
		To:      ca.Config.AlertAddress,
		Subject: translate.Translate("encrypt.alert.subject", locale),
		Body:    translate.Translate("encrypt.alert.body", locale, ap.Alias.Name),
	}
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic sending alert", mlog.Field("panic", x))
				metrics.PanicInc("ingest")
			}
		}()
		ctx, cancel := context.WithTimeout(mstore.Shutdown, 30*time.Second)
		defer cancel()
		if err := ap.Alerts.Send(ctx, a); err != nil {
			log.Errorx("sending encryption failure alert", err, mlog.Field("to", a.To))
		}
	}()
}

func parseFlags(l []string) (f store.Flags) {
	for _, s := range l {
		switch strings.ToLower(s) {
		case `\seen`:
			f.Seen = true
		case `\answered`:
			f.Answered = true
		case `\flagged`:
			f.Flagged = true
		case `\deleted`:
			f.Deleted = true
		case `\draft`:
			f.Draft = true
		case `$forwarded`:
			f.Forwarded = true
		case `$junk`:
			f.Junk = true
		}
	}
	return
}

func appendResultLabel(res AppendResult, err error) string {
	if err == nil {
		if res.Status == StatusExisting {
			return "existing"
		}
		return "ok"
	}
	var xerr *Error
	if errors.As(err, &xerr) {
		switch xerr.Kind {
		case KindMessageTooLarge:
			return "toolarge"
		case KindMailboxNotFound:
			return "notfound"
		case KindOverQuota:
			return "overquota"
		}
	}
	return "error"
}
