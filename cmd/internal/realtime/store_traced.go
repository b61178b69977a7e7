package realtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "marketchat/realtime"

// tracedStore decorates a MessageStore with spans and latency metrics.
// The global tracer provider is a no-op unless telemetry is configured.
type tracedStore struct {
	next    MessageStore
	tracer  trace.Tracer
	metrics *Metrics
}

// InstrumentStore wraps next so every call is traced and timed.
func InstrumentStore(next MessageStore, m *Metrics) MessageStore {
	if next == nil {
		return nil
	}
	if _, ok := next.(*tracedStore); ok {
		return next
	}
	return &tracedStore{
		next:    next,
		tracer:  otel.Tracer(tracerName),
		metrics: m,
	}
}

func (s *tracedStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "MessageStore."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *tracedStore) finish(span trace.Span, op string, start time.Time, err error) {
	s.metrics.observeStore(op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *tracedStore) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	ctx, span, start := s.start(ctx, "GetConversation", attribute.Int64("conversation.id", conversationID))
	c, err := s.next.GetConversation(ctx, conversationID)
	s.finish(span, "get_conversation", start, err)
	return c, err
}

func (s *tracedStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	ctx, span, start := s.start(ctx, "CreateMessage",
		attribute.Int64("conversation.id", in.ConversationID),
		attribute.Int64("sender.id", in.SenderID),
	)
	m, err := s.next.CreateMessage(ctx, in)
	if err == nil {
		span.SetAttributes(attribute.Int64("message.id", m.ID))
	}
	s.finish(span, "create_message", start, err)
	return m, err
}

func (s *tracedStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	ctx, span, start := s.start(ctx, "MarkRead",
		attribute.Int64("conversation.id", conversationID),
		attribute.Int64("reader.id", readerID),
	)
	n, err := s.next.MarkRead(ctx, conversationID, readerID)
	span.SetAttributes(attribute.Int64("messages.updated", n))
	s.finish(span, "mark_read", start, err)
	return n, err
}

func (s *tracedStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	ctx, span, start := s.start(ctx, "FetchHistory",
		attribute.Int64("conversation.id", in.ConversationID),
		attribute.Int("limit", in.Limit),
	)
	out, err := s.next.FetchHistory(ctx, in)
	s.finish(span, "fetch_history", start, err)
	return out, err
}

func (s *tracedStore) Close() error { return s.next.Close() }
