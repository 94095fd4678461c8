package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding every run's journal.
const StreamName = "bundlr_journal"

// Event types recorded per run.
const (
	EventTypeEvidence = "evidence"
	EventTypeRound    = "round"
	EventTypeMeta     = "meta"
)

// SubjectForRun returns the wildcard subject for all events of a run.
// Example: "bundlr.payments.>"
func SubjectForRun(run string) string {
	return fmt.Sprintf("bundlr.%s.>", run)
}

// SubjectForEvent returns the subject for one event type of a run.
// Example: "bundlr.payments.evidence"
func SubjectForEvent(run, eventType string) string {
	return fmt.Sprintf("bundlr.%s.%s", run, eventType)
}

// SetupStream creates or updates the journal stream. Runs are short-lived, so
// there is no age-based retention; a run is cleared explicitly with PurgeRun.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"bundlr.>"},
		Storage:  jetstream.FileStorage,
	})
}

// PurgeRun deletes every journal event of a run.
func PurgeRun(ctx context.Context, stream jetstream.Stream, run string) error {
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(SubjectForRun(run))); err != nil {
		return fmt.Errorf("purging run %s: %w", run, err)
	}
	return nil
}
