package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"courier/internal/eventbus"
	"courier/internal/metrics"
	"courier/pkg/logx"
)

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	// Types lists the bus event types to export; default delivery.failed.
	Types  []string
	Buffer int // bus subscription buffer; default 256
}

// NewSyncProducer dials brokers with acks from all in-sync replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "courier"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sarama sync producer: %w", err)
	}
	return prod, nil
}

type Option func(*Forwarder)

func WithLogger(log logx.Logger) Option { return func(f *Forwarder) { f.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(f *Forwarder) { f.metrics = m } }

// Forwarder copies selected bus events to a Kafka topic as JSON, keyed by message id.
type Forwarder struct {
	producer sarama.SyncProducer
	topic    string
	types    map[string]struct{}
	buffer   int
	log      logx.Logger
	metrics  *metrics.Metrics
}

// record is the wire shape of an exported event.
type record struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

func NewForwarder(producer sarama.SyncProducer, cfg KafkaConfig, opts ...Option) *Forwarder {
	types := map[string]struct{}{}
	for _, t := range cfg.Types {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = struct{}{}
		}
	}
	if len(types) == 0 {
		types[eventbus.TypeFailed] = struct{}{}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	f := &Forwarder{producer: producer, topic: cfg.Topic, types: types, buffer: cfg.Buffer, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(f)
		}
	}
	f.log = f.log.With(logx.String("comp", "events.kafka"), logx.String("topic", cfg.Topic))
	return f
}

func (f *Forwarder) wants(typ string) bool {
	_, ok := f.types[typ]
	return ok
}

// Forward sends e if its type is selected. It reports whether e was sent.
func (f *Forwarder) Forward(e eventbus.Event) (bool, error) {
	if !f.wants(e.Type) {
		return false, nil
	}
	b, err := json.Marshal(record{Type: e.Type, Time: e.Time.UTC(), Data: e.Data})
	if err != nil {
		return false, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     f.topic,
		Value:     sarama.ByteEncoder(b),
		Timestamp: e.Time,
	}
	if de, ok := e.Data.(eventbus.DeliveryEvent); ok && de.MessageID != "" {
		msg.Key = sarama.StringEncoder(de.MessageID)
	}
	_, _, err = f.producer.SendMessage(msg)
	f.metrics.IncEventExported(e.Type, err)
	if err != nil {
		return false, fmt.Errorf("send kafka message: %w", err)
	}
	return true, nil
}

// Run subscribes to bus and forwards until ctx is done. Send failures are
// logged and the event is dropped; the bus is best-effort by contract.
func (f *Forwarder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(f.buffer)
	defer unsub()
	f.log.Info("kafka forwarder started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := f.Forward(e); err != nil {
				f.log.Warn("event export failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (f *Forwarder) Close() error {
	return f.producer.Close()
}
