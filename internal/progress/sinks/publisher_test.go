package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/grant-harvester/internal/progress"
	"github.com/JakeFAU/grant-harvester/internal/publisher/memory"
)

func TestPublisherSinkForwardsTerminalAndChangeEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "job-events", nil)
	now := time.Now()

	err := sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindStatus, JobID: "a", TS: now},
		{Kind: progress.KindProgress, JobID: "a", Progress: 40, TS: now},
		{Kind: progress.KindContentChanged, JobID: "a", URL: "https://example.org", TS: now},
		{Kind: progress.KindCompleted, JobID: "a", Progress: 100, TS: now},
		{Kind: progress.KindFailed, JobID: "b", Error: "fetch exhausted", TS: now},
	})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	kinds := make([]progress.Kind, 0, len(msgs))
	for _, m := range msgs {
		require.Equal(t, "job-events", m.Topic)
		kinds = append(kinds, m.Payload.(progress.Event).Kind)
	}
	require.Equal(t, []progress.Kind{progress.KindContentChanged, progress.KindCompleted, progress.KindFailed}, kinds)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	boom := errors.New("topic not found")
	pub.FailWith(boom)
	sink := NewPublisherSink(pub, "job-events", nil)

	err := sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindCompleted, JobID: "a", TS: time.Now()},
		{Kind: progress.KindCancelled, JobID: "b", TS: time.Now()},
	})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "job a")
	require.Contains(t, err.Error(), "job b")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Kind: progress.KindPage, JobID: "a", URL: "https://example.org", StatusCode: 200, TS: time.Now()},
		{Kind: progress.KindFailed, JobID: "a", Error: "boom", TS: time.Now()},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, zap.InfoLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
}
