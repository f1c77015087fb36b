package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/progress"
)

// PublisherSink forwards terminal and content_changed events to a topic so
// downstream consumers can react without holding an SSE connection.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink publishes to topic through publisher.
func NewPublisherSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes the relevant events from batch. Every event is attempted;
// the returned error joins the individual failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() && evt.Kind != progress.KindContentChanged {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Kind, evt.JobID, err))
			continue
		}
		s.logger.Debug("job event published",
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
