package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/evaluator/core/infra/logging"
	"github.com/cordum/evaluator/core/infra/tlsenv"
)

// Event is the JSON envelope carried on every subject.
type Event struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler consumes one event. Returning an error wrapped with RetryAfter
// asks JetStream to redeliver; any other error is logged and acked.
type Handler func(ctx context.Context, evt *Event) error

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
	subs      []*nats.Subscription
}

const (
	component = "bus"

	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamEvents = "EVALUATOR_EVENTS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilEvent   = errors.New("nil bus event")
	errEmptyTopic = errors.New("empty subject")

	durablePrefixes = []string{"attempt."}
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("evaluator-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn(component, "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(component, "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info(component, "connection closed")
		}),
	}
	tlsCfg, err := tlsenv.Load("NATS", nil)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains subscriptions and shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded event on the given subject.
func (b *NatsBus) Publish(subject string, evt *Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if evt == nil {
		return errNilEvent
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := computeMsgID(subject, evt); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes events and invokes the handler.
// When JetStream is enabled, durable subjects are consumed with explicit ack/nak semantics.
func (b *NatsBus) Subscribe(subject, queue string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			switch action, delay := dispatch(subject, msg.Data, handler); action {
			case actionNak:
				if delay > 0 {
					_ = msg.NakWithDelay(delay)
				} else {
					_ = msg.Nak()
				}
			default:
				_ = msg.Ack()
			}
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}

		var (
			sub *nats.Subscription
			err error
		)
		if queue == "" {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			sub, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
		return nil
	}

	cb := func(msg *nats.Msg) {
		_, _ = dispatch(subject, msg.Data, handler)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.nc.Subscribe(subject, cb)
	} else {
		sub, err = b.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

type ackAction int

const (
	actionAck ackAction = iota
	actionNak
)

// dispatch decodes one message and runs handler. Undecodable payloads are
// acked so they are not redelivered forever.
func dispatch(subject string, data []byte, handler Handler) (ackAction, time.Duration) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		logging.Error(component, "failed to decode event", "subject", subject, "error", err)
		return actionAck, 0
	}
	if err := handler(context.Background(), &evt); err != nil {
		if delay, ok := RetryDelay(err); ok {
			logging.Info(component, "handler requested redelivery", "subject", subject, "event_id", evt.ID, "delay", delay.String(), "error", err)
			return actionNak, delay
		}
		logging.Error(component, "handler error (ack)", "subject", subject, "event_id", evt.ID, "error", err)
	}
	return actionAck, 0
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	return parseBoolEnv(envUseJetStream)
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Error(component, "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Error(component, "jetstream not available", "error", err)
		return
	}

	subjects := make([]string, 0, len(durablePrefixes))
	for _, prefix := range durablePrefixes {
		subjects = append(subjects, prefix+">")
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Error(component, "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info(component, "jetstream enabled", "ack_wait", ackWait.String(), "max_age", maxAge.String(), "subjects", subjects)
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func isDurableSubject(subject string) bool {
	for _, prefix := range durablePrefixes {
		if strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	return false
}

func durableName(subject, queue string) string {
	name := sanitizeDurable(subject)
	if name == "" {
		return ""
	}
	q := sanitizeDurable(queue)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

func sanitizeDurable(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "*", "STAR")
	s = strings.ReplaceAll(s, ">", "GT")
	return strings.TrimSpace(s)
}

// computeMsgID derives the JetStream de-duplication id so a resubmitted
// event with the same id inside the duplicate window is dropped.
func computeMsgID(subject string, evt *Event) string {
	if evt == nil {
		return ""
	}
	id := strings.TrimSpace(evt.ID)
	if id == "" {
		return ""
	}
	return "evt:" + subject + ":" + id
}
