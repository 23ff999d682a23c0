/*
Package stream publishes committed ledger events to Kafka.

PURPOSE:
  Downstream systems (rewards, analytics, fraud) consume the ledger as a
  stream instead of polling the database. The publisher implements
  points.Notifier, so the engine hands it every batch of events after the
  owning unit of work commits.

DELIVERY:
  Best-effort. Publishing happens after commit; a produce failure is
  logged and never rolls back the operation. The database ledger stays
  the source of truth.

KEYING:
  Records are keyed by user ID so all events for one user land on one
  partition, preserving per-user order.

USAGE:
  pub, err := stream.NewPublisher(stream.Options{Brokers: brokers})
  engine.SetNotifier(pub)

SEE ALSO:
  - points/store.go: The Notifier interface
*/
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/warp/points-engine/points"
)

// DefaultTopic is where ledger events go unless configured otherwise.
const DefaultTopic = "points.ledger"

// Options configures a Publisher.
type Options struct {
	Brokers  []string
	ClientID string
	Topic    string
}

// Publisher streams ledger events to Kafka. Implements points.Notifier.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to Kafka and ensures the ledger topic exists.
func NewPublisher(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.ClientID == "" {
		opts.ClientID = "points-engine"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, client, opts.Topic); err != nil {
		client.Close()
		return nil, err
	}

	return &Publisher{client: client, topic: opts.Topic}, nil
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// eventRecord is the wire shape of one published ledger event.
type eventRecord struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	LotID         string    `json:"lot_id,omitempty"`
	Kind          string    `json:"kind"`
	Delta         int64     `json:"delta"`
	OrderRef      string    `json:"order_ref,omitempty"`
	Description   string    `json:"description,omitempty"`
	At            time.Time `json:"at"`
}

// LedgerAppended publishes one record per committed event, keyed by user.
func (p *Publisher) LedgerAppended(ctx context.Context, events []points.LedgerEvent) {
	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(eventRecord{
			SchemaVersion: 1,
			ID:            string(ev.ID),
			UserID:        string(ev.UserID),
			LotID:         string(ev.LotID),
			Kind:          string(ev.Kind),
			Delta:         ev.Delta,
			OrderRef:      ev.OrderRef,
			Description:   ev.Description,
			At:            ev.At,
		})
		if err != nil {
			log.Printf("Failed to encode ledger event %s: %v", ev.ID, err)
			continue
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(ev.UserID),
			Value: payload,
		})
	}
	if len(records) == 0 {
		return
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		log.Printf("Failed to publish %d ledger events: %v", len(records), err)
	}
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)

	resp, err := adm.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	for _, detail := range resp {
		if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
			return fmt.Errorf("failed to create topic %s: %w", detail.Topic, detail.Err)
		}
	}
	return nil
}

var _ points.Notifier = (*Publisher)(nil)
