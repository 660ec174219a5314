package events

import (
	"context"
	"time"

	"chat-auth-guard/internal/models"
)

type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes lockout events into daily indices
// "<prefix>-YYYY.MM.DD" for incident search. Attempt events are skipped.
type ElasticsearchSink struct {
	indexer    DocumentIndexer
	prefix     string
	dateBucket func(time.Time) string
}

func NewElasticsearchSink(indexer DocumentIndexer, prefix string, dateBucket func(time.Time) string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, prefix: prefix, dateBucket: dateBucket}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Handle(ctx context.Context, event models.SecurityEvent) error {
	if event.EventType != models.EventLockoutTriggered {
		return nil
	}
	index := s.prefix + "-" + s.dateBucket(event.EventTime)
	return s.indexer.IndexDocument(ctx, index, event.EventID, event)
}

func (s *ElasticsearchSink) Close(context.Context) error { return nil }
