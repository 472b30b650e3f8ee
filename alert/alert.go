// Package alert delivers out-of-band notices to alias owners, e.g. about
// persistent encryption failures. Delivery is fire-and-forget, failures are
// logged by callers, never propagated into the append path.
package alert

import (
	"context"

	"github.com/mjl-/mstore/mlog"
)

// Alert is one notice to an owner.
type Alert struct {
	To      string // Alert address from the alias configuration.
	Subject string // Localized.
	Body    string // Localized.
}

// Sender delivers alerts. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// LogSender only logs alerts. The default when no mail submission is
// configured, and for aliases without an alert address.
type LogSender struct {
	Log *mlog.Log
}

func (s LogSender) Send(ctx context.Context, a Alert) error {
	s.Log.Info("alert", mlog.Field("to", a.To), mlog.Field("subject", a.Subject))
	return nil
}
