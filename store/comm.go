package store

import (
	"sync"
)

// Change to a mailbox, broadcast to other connections watching the same
// alias.
type Change any

// ChangeAddUID is broadcast when a message is appended to a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     Flags
}

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	comm    *Comm // Originating comm, not notified itself.
	changes []Change
}

// Switchboard distributes changes to registered comms. It must be started
// before comms are registered or changes broadcast, and stopped (with the
// returned function) only after all comms are unregistered. Tests start their
// own: defer Switchboard()().
func Switchboard() (stop func()) {
	regs := map[*Alias]map[*Comm]struct{}{}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case c := <-register:
				if regs[c.alias] == nil {
					regs[c.alias] = map[*Comm]struct{}{}
				}
				regs[c.alias][c] = struct{}{}
			case c := <-unregister:
				delete(regs[c.alias], c)
				if len(regs[c.alias]) == 0 {
					delete(regs, c.alias)
				}
			case req := <-broadcast:
				for c := range regs[req.comm.alias] {
					if c == req.comm {
						continue
					}
					c.add(req.changes)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Comm is a communication channel between a connection watching an alias and
// the switchboard.
type Comm struct {
	// Kicked non-blockingly when changes arrive, the watcher then calls Get.
	Pending chan struct{}

	alias *Alias

	sync.Mutex
	changes []Change
}

// RegisterComm registers a comm for the alias with the switchboard.
func RegisterComm(a *Alias) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1),
		alias:   a,
	}
	register <- c
	return c
}

// Unregister removes the comm from the switchboard.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast sends changes to all other comms registered for the same alias.
func (c *Comm) Broadcast(l []Change) {
	if len(l) == 0 {
		return
	}
	broadcast <- changeReq{c, l}
}

// Get returns the pending changes, clearing them.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

func (c *Comm) add(l []Change) {
	c.Lock()
	c.changes = append(c.changes, l...)
	c.Unlock()
	select {
	case c.Pending <- struct{}{}:
	default:
	}
}

// BroadcastChanges sends changes on behalf of no particular connection, all
// comms registered for the alias receive them.
func BroadcastChanges(a *Alias, l []Change) {
	if len(l) == 0 {
		return
	}
	broadcast <- changeReq{&Comm{alias: a}, l}
}
