package trigger

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultSyncSubjectPrefix is prepended to a queue name to form the subject its
// sync events arrive on.
const DefaultSyncSubjectPrefix = "_requeue.sync."

// NATSSubject fires whenever a message arrives on a subject. Requests are
// answered once fn returns: an empty reply on success, the error text
// otherwise.
type NATSSubject struct {
	nc         *nats.Conn
	subject    string
	queueGroup string
	logger     zerolog.Logger
}

// NewNATSSubject listens on subject. A non empty queueGroup spreads the
// events over every subscriber of the group.
func NewNATSSubject(nc *nats.Conn, subject, queueGroup string, logger zerolog.Logger) *NATSSubject {
	return &NATSSubject{nc: nc, subject: subject, queueGroup: queueGroup, logger: logger}
}

// SyncSubject is the default subject for queue.
func SyncSubject(queue string) string {
	return DefaultSyncSubjectPrefix + queue
}

func (n *NATSSubject) Run(ctx context.Context, fn Func) error {
	ch := make(chan *nats.Msg, 64)
	var (
		sub *nats.Subscription
		err error
	)
	if n.queueGroup != "" {
		sub, err = n.nc.ChanQueueSubscribe(n.subject, n.queueGroup, ch)
	} else {
		sub, err = n.nc.ChanSubscribe(n.subject, ch)
	}
	if err != nil {
		return errors.Wrapf(err, "trigger: subscribing to %s", n.subject)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			n.logger.Err(err).Str("subject", n.subject).Msg("trigger: unsubscribe")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			var reply []byte
			if err := fn(ctx); err != nil {
				n.logger.Err(err).Str("subject", n.subject).Msg("trigger: sync event run failed")
				reply = []byte(err.Error())
			}
			if msg.Reply != "" {
				if err := msg.Respond(reply); err != nil {
					n.logger.Err(err).Str("subject", n.subject).Msg("trigger: responding to sync event")
				}
			}
		}
	}
}

var (
	_ Trigger = (*Interval)(nil)
	_ Trigger = (*NATSSubject)(nil)
)
