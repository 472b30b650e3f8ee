package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/mstore-"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func testAlias(t *testing.T) *Alias {
	t.Helper()
	os.RemoveAll("../testdata/store/data")
	mstore.ConfigStaticPath = "../testdata/store/mstore.conf"
	mstore.MustLoadConfig()
	a, err := OpenAlias("mjl")
	tcheck(t, err, "open alias")
	t.Cleanup(func() {
		err := a.Close()
		tcheck(t, err, "closing alias")
	})
	return a
}

func TestAlias(t *testing.T) {
	a := testAlias(t)

	_, err := OpenAlias("bogus")
	if !errors.Is(err, ErrUnknownAlias) {
		t.Fatalf("got %v, expected ErrUnknownAlias opening unconfigured alias", err)
	}

	// Same handle for a second open.
	a2, err := OpenAlias("mjl")
	tcheck(t, err, "open alias again")
	if a2 != a {
		t.Fatalf("second open did not return the shared instance")
	}
	err = a2.Close()
	tcheck(t, err, "closing second reference")

	err = a.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		// Default mailboxes exist, lookup is case-insensitive for the inbox
		// and NFC-normalized.
		mb, err := a.MailboxFind(tx, "INBOX")
		tcheck(t, err, "find inbox")
		if mb.Name != "Inbox" || mb.UIDNext != 1 || mb.ModifyIndex != 0 {
			t.Fatalf("unexpected inbox %#v", mb)
		}

		trash, err := a.MailboxFind(tx, "Trash")
		tcheck(t, err, "find trash")
		if !trash.Trash || trash.Retention != 720*time.Hour {
			t.Fatalf("unexpected trash mailbox %#v", trash)
		}

		if _, err := a.MailboxFind(tx, "Nonexistent"); !errors.Is(err, ErrUnknownMailbox) {
			t.Fatalf("got %v, expected ErrUnknownMailbox", err)
		}

		// Allocation advances both counters, uid is the pre-increment next.
		uid, modseq, err := AllocateNext(tx, mb.ID)
		tcheck(t, err, "allocate")
		if uid != 1 || modseq != 1 {
			t.Fatalf("got uid %d modseq %d, expected 1 1", uid, modseq)
		}
		uid, modseq, err = AllocateNext(tx, mb.ID)
		tcheck(t, err, "allocate")
		if uid != 2 || modseq != 2 {
			t.Fatalf("got uid %d modseq %d, expected 2 2", uid, modseq)
		}

		if _, _, err := AllocateNext(tx, 999); !errors.Is(err, ErrUnknownMailbox) {
			t.Fatalf("got %v, expected ErrUnknownMailbox allocating on absent mailbox", err)
		}

		_, created, err := a.MailboxEnsure(tx, "Lists/Go")
		tcheck(t, err, "ensure mailbox")
		if !created {
			t.Fatalf("mailbox not created")
		}
		_, created, err = a.MailboxEnsure(tx, "Lists/Go")
		tcheck(t, err, "ensure mailbox again")
		if created {
			t.Fatalf("mailbox created twice")
		}
		return nil
	})
	tcheck(t, err, "write tx")
}

func TestAllocateConcurrent(t *testing.T) {
	a := testAlias(t)

	var mb Mailbox
	err := a.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		var err error
		mb, err = a.MailboxFind(tx, "Inbox")
		return err
	})
	tcheck(t, err, "find inbox")

	type pair struct {
		uid UID
		ms  ModSeq
	}
	const goroutines = 8
	const perGoroutine = 25
	results := make(chan pair, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				err := a.DB.Write(ctxbg, func(tx *bstore.Tx) error {
					uid, ms, err := AllocateNext(tx, mb.ID)
					if err != nil {
						return err
					}
					results <- pair{uid, ms}
					return nil
				})
				if err != nil {
					t.Errorf("allocating: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(results)

	seenUID := map[UID]bool{}
	seenMS := map[ModSeq]bool{}
	n := 0
	for p := range results {
		if seenUID[p.uid] {
			t.Fatalf("uid %d allocated twice", p.uid)
		}
		if seenMS[p.ms] {
			t.Fatalf("modseq %d allocated twice", p.ms)
		}
		seenUID[p.uid] = true
		seenMS[p.ms] = true
		n++
	}
	if n != goroutines*perGoroutine {
		t.Fatalf("got %d allocations, expected %d", n, goroutines*perGoroutine)
	}
	for uid := UID(1); uid <= UID(n); uid++ {
		if !seenUID[uid] {
			t.Fatalf("uid %d missing, allocation not dense", uid)
		}
	}
}

func TestQuota(t *testing.T) {
	a := testAlias(t)
	log := mlog.New("store")

	// Domain for mjl has MaxAliasQuota 1000.
	err := a.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		ok, maxSize, err := a.CanAddMessageSize(tx, 1000)
		tcheck(t, err, "can add")
		if !ok || maxSize != 1000 {
			t.Fatalf("got ok %v maxSize %d, expected filling quota exactly to be allowed", ok, maxSize)
		}
		ok, _, err = a.CanAddMessageSize(tx, 1001)
		tcheck(t, err, "can add")
		if ok {
			t.Fatalf("one byte over quota allowed")
		}

		a.AddMessageSize(log, tx, 900)
		ok, _, err = a.CanAddMessageSize(tx, 100)
		tcheck(t, err, "can add")
		if !ok {
			t.Fatalf("filling remaining quota exactly not allowed")
		}
		ok, _, err = a.CanAddMessageSize(tx, 101)
		tcheck(t, err, "can add")
		if ok {
			t.Fatalf("over quota allowed after accounting")
		}
		a.AddMessageSize(log, tx, -900)
		return nil
	})
	tcheck(t, err, "write tx")
}

func TestSizeWorker(t *testing.T) {
	a := testAlias(t)
	stop := StartSizeWorker()
	defer stop()

	// Store a message record, then let the worker recompute usage from it.
	err := a.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := a.MailboxFind(tx, "Inbox")
		tcheck(t, err, "find inbox")
		uid, ms, err := AllocateNext(tx, mb.ID)
		tcheck(t, err, "allocate")
		m := Message{UID: uid, MailboxID: mb.ID, CreateSeq: ms, ModSeq: ms, Size: 123, Searchable: true}
		return tx.Insert(&m)
	})
	tcheck(t, err, "inserting message")

	size, err := a.RequestRecalculateSize(ctxbg, 5*time.Second)
	tcheck(t, err, "requesting recalculation")
	if size != 123 {
		t.Fatalf("got size %d, expected 123", size)
	}

	err = a.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		du := Usage{ID: 1}
		if err := tx.Get(&du); err != nil {
			return err
		}
		if du.MessageSize != 123 {
			t.Fatalf("got usage %d, expected 123", du.MessageSize)
		}
		return nil
	})
	tcheck(t, err, "read usage")
}

func TestEncryptAlertDue(t *testing.T) {
	a := testAlias(t)

	due, err := a.EncryptAlertDue(ctxbg, 24*time.Hour)
	tcheck(t, err, "alert due")
	if !due {
		t.Fatalf("first alert not due")
	}
	due, err = a.EncryptAlertDue(ctxbg, 24*time.Hour)
	tcheck(t, err, "alert due")
	if due {
		t.Fatalf("second alert within period due")
	}
	// An expired period makes alerts due again.
	due, err = a.EncryptAlertDue(ctxbg, 0)
	tcheck(t, err, "alert due")
	if !due {
		t.Fatalf("alert not due with expired period")
	}
}

func TestJournal(t *testing.T) {
	a := testAlias(t)

	err := a.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := a.MailboxFind(tx, "Inbox")
		tcheck(t, err, "find inbox")
		tcheck(t, AddJournal(tx, JournalExists, mb.ID, 1, 10), "journal")
		tcheck(t, AddJournal(tx, JournalExists, mb.ID, 2, 11), "journal")
		return nil
	})
	tcheck(t, err, "write tx")

	l, err := a.JournalSince(ctxbg, 0, 0)
	tcheck(t, err, "journal since")
	if len(l) != 2 || l[0].UID != 1 || l[1].UID != 2 {
		t.Fatalf("unexpected journal records %#v", l)
	}

	l, err = a.JournalSince(ctxbg, l[0].ID, 0)
	tcheck(t, err, "journal since")
	if len(l) != 1 || l[0].UID != 2 {
		t.Fatalf("unexpected journal records after cursor %#v", l)
	}
}

func TestComm(t *testing.T) {
	a := testAlias(t)
	defer Switchboard()()

	c := RegisterComm(a)
	defer c.Unregister()

	change := ChangeAddUID{MailboxID: 1, UID: 1, ModSeq: 1}
	BroadcastChanges(a, []Change{change})

	select {
	case <-c.Pending:
	case <-time.After(5 * time.Second):
		t.Fatalf("no pending kick after broadcast")
	}
	l := c.Get()
	if len(l) != 1 {
		t.Fatalf("got %d changes, expected 1", len(l))
	}
	if ch, ok := l[0].(ChangeAddUID); !ok || ch != change {
		t.Fatalf("unexpected change %#v", l[0])
	}
	if l := c.Get(); len(l) != 0 {
		t.Fatalf("changes not cleared after Get")
	}

	// A comm does not get its own broadcasts.
	c.Broadcast([]Change{change})
	if l := c.Get(); len(l) != 0 {
		t.Fatalf("comm received its own broadcast")
	}
}

func TestFingerprintThreads(t *testing.T) {
	a := testAlias(t)
	log := mlog.New("store")

	raw := []byte("Message-Id: <a@b>\r\nSubject: test\r\n\r\nbody\r\n")
	f1 := Fingerprint("mjl", raw)
	f2 := Fingerprint("mjl", raw)
	if f1 != f2 {
		t.Fatalf("fingerprint not deterministic")
	}
	if Fingerprint("other", raw) == f1 {
		t.Fatalf("fingerprint matches across aliases")
	}
	if Fingerprint("mjl", []byte("Message-Id: <a@b>\r\nSubject: test\r\n\r\nother body\r\n")) == f1 {
		t.Fatalf("fingerprint ignores body")
	}
	if Fingerprint("mjl", []byte("no header, just bytes")) == "" {
		t.Fatalf("no fingerprint for message without header")
	}

	err := a.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := a.MailboxFind(tx, "Inbox")
		tcheck(t, err, "find inbox")
		uid, ms, err := AllocateNext(tx, mb.ID)
		tcheck(t, err, "allocate")
		m := Message{UID: uid, MailboxID: mb.ID, CreateSeq: ms, ModSeq: ms, Size: 10, MessageID: "root@example.org", SubjectBase: "a conversation", Searchable: true}
		tcheck(t, tx.Insert(&m), "insert message")
		m.ThreadID = m.ID
		tcheck(t, tx.Update(&m), "set thread id")

		// Match on referenced message-id.
		if tid := ResolveThread(log, tx, []string{"other@example.org", "root@example.org"}, "", false); tid != m.ThreadID {
			t.Fatalf("got thread %d, expected %d via references", tid, m.ThreadID)
		}
		// Subject fallback only applies to responses.
		if tid := ResolveThread(log, tx, nil, "a conversation", true); tid != m.ThreadID {
			t.Fatalf("got thread %d, expected %d via subject", tid, m.ThreadID)
		}
		if tid := ResolveThread(log, tx, nil, "a conversation", false); tid != 0 {
			t.Fatalf("got thread %d, expected new thread for non-response", tid)
		}
		if tid := ResolveThread(log, tx, []string{"missing@example.org"}, "unknown subject", true); tid != 0 {
			t.Fatalf("got thread %d, expected new thread", tid)
		}
		return nil
	})
	tcheck(t, err, "write tx")
}
