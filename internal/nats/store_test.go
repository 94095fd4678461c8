package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "bundlr.payments.>", SubjectForRun("payments"))
	assert.Equal(t, "bundlr.payments.evidence", SubjectForEvent("payments", EventTypeEvidence))
	assert.Equal(t, "bundlr.payments.round", SubjectForEvent("payments", EventTypeRound))
}

func TestOpenPublishPurge(t *testing.T) {
	ctx := context.Background()
	j, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	_, err = j.JetStream.Publish(ctx, SubjectForEvent("a", EventTypeEvidence), []byte(`{}`))
	require.NoError(t, err)
	_, err = j.JetStream.Publish(ctx, SubjectForEvent("b", EventTypeEvidence), []byte(`{}`))
	require.NoError(t, err)

	info, err := j.Stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	require.NoError(t, PurgeRun(ctx, j.Stream, "a"))

	info, err = j.Stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs, "only run b should remain")
}
