// Package store manages the per-alias message store: a bstore database with
// mailboxes, messages, attachment references and the change journal, message
// files under msg/ and content-addressed attachment blobs under blob/.
//
// The database file is the source of truth. Mailbox UID and mod-sequence
// counters are only ever advanced inside a write transaction on that file,
// making them strictly increasing across all concurrent appenders, including
// separate processes sharing the data directory.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/mstore-"
)

var xlog = mlog.New("store")

var (
	ErrUnknownAlias   = errors.New("no such alias")
	ErrUnknownMailbox = errors.New("no such mailbox")
)

// UID is a per-mailbox unique, strictly increasing message identifier,
// assigned at append time.
type UID uint32

// ModSeq is a per-mailbox modification sequence, incremented on every
// mutation, used by clients to detect missed updates.
type ModSeq int64

// InitialUIDValidity returns a UIDValidity used for new mailboxes.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // A 2-second resolution will get us far enough beyond 2038.
}

// DefaultMailboxes are created when an alias store is first opened.
var DefaultMailboxes = []string{"Inbox", "Archive", "Drafts", "Junk", "Sent", "Trash"}

// Mailbox is a named folder under an alias.
type Mailbox struct {
	ID int64

	// Name in NFC, unique per alias. "Inbox" is the canonical form of the inbox.
	Name string `bstore:"nonzero,unique"`

	UIDValidity uint32

	// Next UID to allocate, starts at 1. Only advanced by AllocateNext.
	UIDNext UID

	// Current mod-sequence of the mailbox, incremented on every change.
	ModifyIndex ModSeq

	// Special-use. At most one set.
	Archive bool
	Draft   bool
	Junk    bool
	Sent    bool
	Trash   bool

	// Messages expire this long after storing. 0 means infinite retention.
	Retention time.Duration
}

// Flags of a stored message.
type Flags struct {
	Seen      bool
	Answered  bool
	Flagged   bool
	Deleted   bool
	Draft     bool
	Junk      bool
	Forwarded bool
}

// Message is a stored email in a mailbox.
type Message struct {
	ID int64

	UID       UID   `bstore:"nonzero"`
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,index MailboxID+Fingerprint,ref Mailbox"`

	// CreateSeq and ModSeq come from the mailbox ModifyIndex at allocation.
	CreateSeq ModSeq
	ModSeq    ModSeq

	// ID of the message that started the conversation, possibly this message
	// itself. Not a foreign key, the root message may be removed later.
	ThreadID int64

	// Canonical Message-ID header, lower-cased, without angle brackets. For
	// matching References/In-Reply-To of later messages.
	MessageID string `bstore:"index"`

	// Base subject for thread matching, reply/forward markers stripped.
	SubjectBase string `bstore:"index"`

	// Content fingerprint for dedup, hex sha256 over alias identity, header
	// subset and body. Only consulted when a caller requests dedup, so not a
	// uniqueness constraint.
	Fingerprint string

	Received time.Time `bstore:"default now,index"`

	Flags

	// False only when the message carries the Deleted flag, such messages are
	// kept out of search indexing.
	Searchable bool

	// Size of the raw message file.
	Size int64 `bstore:"nonzero"`

	// JSON of the mime summary (envelope, structure, bounded text), without
	// attachment contents.
	ParsedBuf []byte

	// Magics of attachment blobs referenced by this message.
	AttachmentMagics []string

	// Time after which the message may be removed, derived from the mailbox
	// retention at append time. Zero means never.
	Expires time.Time
}

// Attachment tracks one content-addressed blob under blob/, shared by all
// messages in the alias with identical attachment content.
type Attachment struct {
	ID    int64
	Magic string `bstore:"nonzero,unique"` // Hex sha256 of the content.
	Size  int64
	Refs  int
}

// Journal is the append-only change log, consumed by asynchronous watchers.
// Records are inserted in the same transaction as the change they describe
// and never mutated.
type Journal struct {
	ID        int64
	Kind      string `bstore:"nonzero"`
	MailboxID int64  `bstore:"nonzero,index"`
	UID       UID
	MessageID int64 // Message record id.
	Time      time.Time `bstore:"default now"`
}

// JournalExists is the journal kind for a newly appended message.
const JournalExists = "exists"

// Usage is the authoritative storage accounting for the alias, a singleton
// with ID 1.
type Usage struct {
	ID          int64
	MessageSize int64 // Sum of raw sizes of all messages.
}

// AliasState holds mutable alias-level state, a singleton with ID 1.
type AliasState struct {
	ID int64

	// Time of the last encryption-failure alert sent to the owner, for
	// throttling. Zero if never sent.
	LastEncryptAlert time.Time
}

// DBTypes are the types stored in an alias database.
var DBTypes = []any{Mailbox{}, Message{}, Attachment{}, Journal{}, Usage{}, AliasState{}}

// Alias is an open per-alias message store. A single shared instance exists
// per name, with reference counting.
type Alias struct {
	Name   string
	Dir    string
	DBPath string
	DB     *bstore.DB

	nused int

	// Write lock for mailbox/alias modification, read lock for message
	// delivery. Not to be held across protocol interactions.
	sync.RWMutex
}

var openAliases = struct {
	names map[string]*Alias
	sync.Mutex
}{
	names: map[string]*Alias{},
}

// OpenAlias opens the message store of a configured alias, creating it on
// first use.
func OpenAlias(name string) (*Alias, error) {
	openAliases.Lock()
	defer openAliases.Unlock()
	if a, ok := openAliases.names[name]; ok {
		a.nused++
		return a, nil
	}

	ca, ok := mstore.Conf.Alias(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, name)
	}

	a, err := openAlias(name, ca)
	if err != nil {
		return nil, err
	}
	a.nused++
	openAliases.names[name] = a
	return a, nil
}

func openAlias(name string, ca mstore.Alias) (a *Alias, rerr error) {
	dir := filepath.Join(mstore.DataDirPath("aliases"), name)
	dbpath := filepath.Join(dir, "index.db")

	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	db, err := bstore.Open(mstore.Shutdown, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr != nil {
			db.Close()
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	if isNew {
		if err := initAlias(db, ca); err != nil {
			return nil, fmt.Errorf("initializing alias: %v", err)
		}
	}
	for _, sub := range []string{"msg", "blob"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0770); err != nil {
			return nil, fmt.Errorf("creating %s directory: %v", sub, err)
		}
	}

	return &Alias{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
	}, nil
}

func initAlias(db *bstore.DB, ca mstore.Alias) error {
	return db.Write(mstore.Shutdown, func(tx *bstore.Tx) error {
		uidvalidity := InitialUIDValidity()

		for _, name := range DefaultMailboxes {
			retention, err := ca.Config.RetentionDuration(name)
			if err != nil {
				return fmt.Errorf("retention for mailbox %q: %w", name, err)
			}
			mb := Mailbox{Name: name, UIDValidity: uidvalidity, UIDNext: 1, Retention: retention}
			switch name {
			case "Archive":
				mb.Archive = true
			case "Drafts":
				mb.Draft = true
			case "Junk":
				mb.Junk = true
			case "Sent":
				mb.Sent = true
			case "Trash":
				mb.Trash = true
			}
			if err := tx.Insert(&mb); err != nil {
				return fmt.Errorf("creating mailbox: %w", err)
			}
		}

		if err := tx.Insert(&Usage{ID: 1}); err != nil {
			return fmt.Errorf("inserting usage: %w", err)
		}
		if err := tx.Insert(&AliasState{ID: 1}); err != nil {
			return fmt.Errorf("inserting alias state: %w", err)
		}
		return nil
	})
}

// Close reduces the reference count, closing the database connection when it
// was the last user.
func (a *Alias) Close() error {
	openAliases.Lock()
	defer openAliases.Unlock()
	a.nused--
	if a.nused == 0 {
		err := a.DB.Close()
		a.DB = nil
		delete(openAliases.names, a.Name)
		return err
	}
	return nil
}

// Conf returns the configuration for this alias if it still exists. A
// configuration reload may drop an alias mid-session.
func (a *Alias) Conf() (mstore.Alias, bool) {
	return mstore.Conf.Alias(a.Name)
}

// WithWLock runs fn with the alias write lock held. Needed for mailbox
// modification and message delivery.
func (a *Alias) WithWLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

// WithRLock runs fn with the alias read lock held.
func (a *Alias) WithRLock(fn func()) {
	a.RLock()
	defer a.RUnlock()
	fn()
}

// NormalizeMailboxName returns the canonical form of a mailbox name: NFC,
// with the inbox always spelled "Inbox".
func NormalizeMailboxName(name string) string {
	name = norm.NFC.String(name)
	if strings.EqualFold(name, "Inbox") {
		name = "Inbox"
	}
	return name
}

// MailboxFind looks up a mailbox by name. Returns ErrUnknownMailbox if
// absent, mailboxes are never created implicitly by an append.
func (a *Alias) MailboxFind(tx *bstore.Tx, name string) (Mailbox, error) {
	name = NormalizeMailboxName(name)
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterNonzero(Mailbox{Name: name})
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return Mailbox{}, fmt.Errorf("%w: %q", ErrUnknownMailbox, name)
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("looking up mailbox: %w", err)
	}
	return mb, nil
}

// MailboxEnsure looks up a mailbox by name, creating it if it does not exist.
// For folder management and tests, the append path never creates mailboxes.
func (a *Alias) MailboxEnsure(tx *bstore.Tx, name string) (Mailbox, bool, error) {
	mb, err := a.MailboxFind(tx, name)
	if err == nil {
		return mb, false, nil
	} else if !errors.Is(err, ErrUnknownMailbox) {
		return Mailbox{}, false, err
	}
	mb = Mailbox{Name: NormalizeMailboxName(name), UIDValidity: InitialUIDValidity(), UIDNext: 1}
	if err := tx.Insert(&mb); err != nil {
		return Mailbox{}, false, fmt.Errorf("creating mailbox: %w", err)
	}
	return mb, true, nil
}

// AllocateNext assigns the next UID and mod-sequence for the mailbox: a
// read-modify-update of the mailbox record inside the enclosing write
// transaction. The transaction is the atomicity guarantee, the database has a
// single writer at a time, so two appends can never observe the same
// counters. The returned uid is the pre-increment UIDNext, the modseq the
// incremented ModifyIndex.
func AllocateNext(tx *bstore.Tx, mailboxID int64) (UID, ModSeq, error) {
	mb := Mailbox{ID: mailboxID}
	if err := tx.Get(&mb); err == bstore.ErrAbsent {
		// Mailbox deleted between resolve and allocation.
		return 0, 0, fmt.Errorf("%w: id %d", ErrUnknownMailbox, mailboxID)
	} else if err != nil {
		return 0, 0, fmt.Errorf("getting mailbox: %w", err)
	}
	uid := mb.UIDNext
	mb.UIDNext++
	mb.ModifyIndex++
	if err := tx.Update(&mb); err != nil {
		return 0, 0, fmt.Errorf("updating mailbox counters: %w", err)
	}
	return uid, mb.ModifyIndex, nil
}

// MessageByFingerprint returns the oldest message in the mailbox with the
// given fingerprint, for dedup of repeated delivery attempts.
func MessageByFingerprint(tx *bstore.Tx, mailboxID int64, fingerprint string) (Message, error) {
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{MailboxID: mailboxID, Fingerprint: fingerprint})
	q.SortAsc("ID")
	q.Limit(1)
	return q.Get()
}

// EncryptAlertDue reports whether an encryption-failure alert should be sent
// now, and records the send time if so. Check and update are one conditional
// write in a single transaction, so concurrent appends racing on a failure
// produce at most one alert per period.
func (a *Alias) EncryptAlertDue(ctx context.Context, period time.Duration) (bool, error) {
	due := false
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		st := AliasState{ID: 1}
		if err := tx.Get(&st); err != nil {
			return fmt.Errorf("getting alias state: %w", err)
		}
		if !st.LastEncryptAlert.IsZero() && time.Since(st.LastEncryptAlert) < period {
			return nil
		}
		st.LastEncryptAlert = time.Now()
		due = true
		return tx.Update(&st)
	})
	return due, err
}

const msgDirChars = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// MessagePath returns the filename of the on-disk message file, relative to
// the alias's msg directory. The scheme keeps directories at ~8k message
// files.
func MessagePath(messageID int64) string {
	v := messageID >> 13
	dir := ""
	for {
		dir += string(msgDirChars[int(v)&(len(msgDirChars)-1)])
		v >>= 6
		if v == 0 {
			break
		}
	}
	return filepath.Join(dir, strconv.FormatInt(messageID, 10))
}

// MessagePath returns the full path to the raw message file for a message id.
func (a *Alias) MessagePath(messageID int64) string {
	return filepath.Join(a.Dir, "msg", MessagePath(messageID))
}

// BlobPath returns the full path to a content-addressed attachment blob.
func (a *Alias) BlobPath(magic string) string {
	return filepath.Join(a.Dir, "blob", magic[:2], magic)
}

// SaveMessageFile writes the raw message file for a message id, syncing file
// and directory. Callers remove the file again if their transaction does not
// commit.
func (a *Alias) SaveMessageFile(messageID int64, raw []byte) error {
	p := a.MessagePath(messageID)
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return fmt.Errorf("creating message directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return fmt.Errorf("creating message file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(p)
		}
	}()
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("writing message file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync message file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing message file: %w", err)
	}
	f = nil
	if err := syncDir(filepath.Dir(p)); err != nil {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
