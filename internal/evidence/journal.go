package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/bundlr/internal/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/xid"
)

// Event is one entry in the run journal. Evidence appends and interview
// rounds are both journaled so a later invocation can rebuild the run.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Run       string          `json:"run"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Round records one completed question/answer exchange.
type Round struct {
	Number   int       `json:"number"`
	Asked    []string  `json:"asked"`
	Accepted int       `json:"accepted"`
	At       time.Time `json:"at"`
}

// Meta records run-level facts that are not evidence. Later meta events
// override earlier fields they set.
type Meta struct {
	Title   string   `json:"title,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

func (m *Meta) merge(o Meta) {
	if o.Title != "" {
		m.Title = o.Title
	}
	for _, src := range o.Sources {
		if !slices.Contains(m.Sources, src) {
			m.Sources = append(m.Sources, src)
		}
	}
}

// Journal persists a run's evidence log and round history on JetStream.
type Journal struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	run    string
	meta   Meta
}

// NewJournal creates a journal for one run.
func NewJournal(js jetstream.JetStream, stream jetstream.Stream, run string) *Journal {
	return &Journal{js: js, stream: stream, run: run}
}

// Run returns the run name the journal writes under.
func (j *Journal) Run() string {
	return j.run
}

func (j *Journal) publish(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	event := Event{
		ID:        xid.New().String(),
		Timestamp: time.Now(),
		Run:       j.run,
		Type:      eventType,
		Payload:   raw,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := nats.SubjectForEvent(j.run, eventType)
	ack, err := j.js.Publish(ctx, subject, data)
	if err != nil {
		log.Error("Failed to publish event to subject %s: %v", subject, err)
		return fmt.Errorf("publishing %s event: %w", eventType, err)
	}
	log.Debug("Journaled %s event seq=%d", eventType, ack.Sequence)
	return nil
}

// Hook returns an AppendFunc that journals each item before the store commits it.
func (j *Journal) Hook(ctx context.Context) AppendFunc {
	return func(item Item) error {
		return j.publish(ctx, nats.EventTypeEvidence, item)
	}
}

// AppendRound journals a completed interview round.
func (j *Journal) AppendRound(ctx context.Context, r Round) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return j.publish(ctx, nats.EventTypeRound, r)
}

// AppendMeta journals run metadata.
func (j *Journal) AppendMeta(ctx context.Context, m Meta) error {
	if err := j.publish(ctx, nats.EventTypeMeta, m); err != nil {
		return err
	}
	j.meta.merge(m)
	return nil
}

// Meta returns the run metadata seen by the last Load and any later AppendMeta.
func (j *Journal) Meta() Meta {
	return j.meta
}

// Reset deletes every event of the run.
func (j *Journal) Reset(ctx context.Context) error {
	j.meta = Meta{}
	return nats.PurgeRun(ctx, j.stream, j.run)
}

// Load replays the run's journal into a fresh store (hooked back to this
// journal for further appends) and returns the round history.
func (j *Journal) Load(ctx context.Context) (*Store, []Round, error) {
	consumer, err := j.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: nats.SubjectForRun(j.run),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating consumer: %w", err)
	}

	replay := NewStore()
	var rounds []Round
	var meta Meta

	const batchSize = 1000
	total := 0
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			break
		}

		count := 0
		for msg := range msgs.Messages() {
			count++
			total++
			if err := j.apply(replay, &rounds, &meta, msg.Data()); err != nil {
				return nil, nil, err
			}
			_ = msg.Ack()
		}
		if count < batchSize {
			break
		}
	}

	log.Debug("Replayed run %s: %d events, %d items, %d rounds", j.run, total, replay.Len(), len(rounds))
	j.meta = meta

	store := NewStore(WithAppendHook(j.Hook(ctx)))
	for _, item := range replay.Items() {
		store.items = append(store.items, item)
		store.byID[item.ID] = len(store.items) - 1
		store.byAnchor[item.Anchor] = append(store.byAnchor[item.Anchor], len(store.items)-1)
	}
	return store, rounds, nil
}

func (j *Journal) apply(store *Store, rounds *[]Round, meta *Meta, data []byte) error {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decoding journal event: %w", err)
	}

	switch event.Type {
	case nats.EventTypeEvidence:
		var item Item
		if err := json.Unmarshal(event.Payload, &item); err != nil {
			return fmt.Errorf("decoding evidence event %s: %w", event.ID, err)
		}
		id, err := store.Record(item)
		if err != nil {
			return fmt.Errorf("replaying %s: %w", item.ID, err)
		}
		if id != item.ID {
			return fmt.Errorf("journal out of order: event carries %s, replay assigned %s", item.ID, id)
		}
	case nats.EventTypeRound:
		var r Round
		if err := json.Unmarshal(event.Payload, &r); err != nil {
			return fmt.Errorf("decoding round event %s: %w", event.ID, err)
		}
		*rounds = append(*rounds, r)
	case nats.EventTypeMeta:
		var m Meta
		if err := json.Unmarshal(event.Payload, &m); err != nil {
			return fmt.Errorf("decoding meta event %s: %w", event.ID, err)
		}
		meta.merge(m)
	default:
		log.Warn("Skipping unknown journal event type %q", event.Type)
	}
	return nil
}
