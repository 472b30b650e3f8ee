// Package push wakes up mobile push gateways when new messages arrive. Events
// are best-effort: enqueueing never blocks an append, a full queue drops the
// event, and a failed send is retried once before being logged and counted.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mstore/metrics"
	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/mstore-"
)

// Event is one wake signal for an alias mailbox.
type Event struct {
	ID        string // UUID, for log correlation with the gateway.
	Alias     string
	MailboxID int64
	Time      time.Time
}

// Sender delivers a wake event to the gateway. Implementations must be safe
// for concurrent use by multiple workers.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// LogSender logs events instead of delivering them, the default when no
// gateway is configured.
type LogSender struct {
	Log *mlog.Log
}

func (s LogSender) Send(ctx context.Context, ev Event) error {
	s.Log.Debug("push event", mlog.Field("id", ev.ID), mlog.Field("alias", ev.Alias), mlog.Field("mailbox", ev.MailboxID))
	return nil
}

// Dispatcher queues events and delivers them with a pool of workers.
type Dispatcher struct {
	log    *mlog.Log
	sender Sender
	events chan Event

	group    *errgroup.Group
	groupCtx context.Context
	cancel   func()

	stopOnce sync.Once
}

// NewDispatcher returns a dispatcher delivering through sender with workers
// concurrent sends. Start must be called before Notify.
func NewDispatcher(sender Sender, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		log:    mlog.New("push"),
		sender: sender,
		events: make(chan Event, 256),
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group, d.groupCtx = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		d.group.Go(d.worker)
	}
	return d
}

func (d *Dispatcher) worker() error {
	rnd := mstore.NewRand()
	for {
		select {
		case <-d.groupCtx.Done():
			return nil
		case ev := <-d.events:
			err := d.deliver(ev)
			if err != nil {
				// One retry after a short jittered delay. Events are wake
				// signals, a missed one is recovered by the next event or the
				// client's periodic sync.
				if mstore.Sleep(d.groupCtx, time.Second+time.Duration(rnd.Intn(1000))*time.Millisecond) {
					return nil
				}
				err = d.deliver(ev)
			}
			if err != nil {
				metrics.PushEventInc("error")
				d.log.Errorx("delivering push event", err, mlog.Field("id", ev.ID), mlog.Field("alias", ev.Alias))
				continue
			}
			metrics.PushEventInc("ok")
		}
	}
}

func (d *Dispatcher) deliver(ev Event) error {
	ctx, cancel := context.WithTimeout(d.groupCtx, 30*time.Second)
	defer cancel()
	return d.sender.Send(ctx, ev)
}

// Notify enqueues a wake event for the alias mailbox. Non-blocking, an event
// is dropped when the queue is full.
func (d *Dispatcher) Notify(alias string, mailboxID int64) {
	ev := Event{
		ID:        uuid.New().String(),
		Alias:     alias,
		MailboxID: mailboxID,
		Time:      time.Now(),
	}
	select {
	case d.events <- ev:
	default:
		metrics.PushEventInc("dropped")
		d.log.Info("push queue full, dropping event", mlog.Field("alias", alias), mlog.Field("mailbox", mailboxID))
	}
}

// Stop ends the workers. Queued but undelivered events are dropped, they are
// wake signals, not data.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.group.Wait()
	})
}
