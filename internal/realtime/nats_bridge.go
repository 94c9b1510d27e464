package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
)

const originHeader = "Approvals-Origin"

// natsConn is the subset of *nats.Conn the bridge needs.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridge fans events out across service instances. Publish delivers to the
// local hub straight away and forwards to NATS; events that arrive from other
// instances are delivered to the local hub. Subject: <prefix>.events.<type>
type NATSBridge struct {
	conn   natsConn
	prefix string
	origin string
	local  *Hub
	log    *logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSBridge creates a bridge for one instance. A nil conn keeps events local.
func NewNATSBridge(conn natsConn, prefix string, local *Hub, log *logger.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "approvals"
	}
	return &NATSBridge{
		conn:   conn,
		prefix: prefix,
		origin: uuid.NewString(),
		local:  local,
		log:    log,
	}
}

func (b *NATSBridge) subject(t EventType) string {
	return b.prefix + ".events." + string(t)
}

// Start subscribes to events from other instances.
func (b *NATSBridge) Start() error {
	if b.conn == nil {
		return nil
	}
	sub, err := b.conn.Subscribe(b.prefix+".events.>", b.receive)
	if err != nil {
		return errors.Connectivity(err, "subscribe to realtime events")
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.log.Info().Str("subject", b.prefix+".events.>").Str("origin", b.origin).Msg("Realtime bridge subscribed")
	return nil
}

// Stop drops the NATS subscription.
func (b *NATSBridge) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn().Err(err).Msg("Failed to unsubscribe realtime bridge")
		}
	}
}

// Publish implements the service event publisher.
func (b *NATSBridge) Publish(ctx context.Context, evt Event) error {
	if err := b.local.Publish(ctx, evt); err != nil {
		return err
	}
	if b.conn == nil {
		return nil
	}

	data, err := evt.Encode()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode realtime event")
	}
	msg := nats.NewMsg(b.subject(evt.Type))
	msg.Header.Set(originHeader, b.origin)
	msg.Data = data
	if err := b.conn.PublishMsg(msg); err != nil {
		return errors.Connectivity(err, "publish realtime event")
	}
	return nil
}

func (b *NATSBridge) receive(msg *nats.Msg) {
	if msg.Header.Get(originHeader) == b.origin {
		return
	}
	evt, err := Decode(msg.Data)
	if err != nil {
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed realtime event")
		return
	}
	_ = b.local.Publish(context.Background(), evt)
}
