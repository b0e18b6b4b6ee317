package kafka

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"evmingest/internal/domain"
	"evmingest/internal/infrastructure/telemetry"
	"evmingest/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTopic = "evmingest-transactions"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer fans persisted transactions out to a topic, keyed by hash.
type Producer struct {
	writer messageWriter
	topic  string
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = defaultTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           500 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, topic: cfg.Topic}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishTransactions(ctx context.Context, records []domain.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}

	// Publishing outside a traced request still gets its own trace so consumers can correlate messages.
	traceCtx := ctx
	if !trace.SpanContextFromContext(ctx).IsValid() {
		if spanCtx, ok := telemetry.NewRootSpanContext(); ok {
			traceCtx = trace.ContextWithSpanContext(ctx, spanCtx)
		}
	}
	traceCtx, span := otel.Tracer("evmingest/kafka").Start(traceCtx, "kafka.publish_transactions", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", p.topic),
		attribute.Int("tx.count", len(records)),
	)
	traceID := ""
	if spanCtx := trace.SpanContextFromContext(traceCtx); spanCtx.HasTraceID() {
		traceID = spanCtx.TraceID().String()
	}

	headers := telemetry.KafkaHeaders(traceCtx)

	messages := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		payload, err := streaming.Encode(toMessage(record, traceID))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		messages = append(messages, kafka.Message{
			Topic:   p.topic,
			Key:     []byte(record.Hash),
			Value:   payload,
			Headers: headers,
		})
	}
	if err := p.writer.WriteMessages(traceCtx, messages...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func toMessage(record domain.TransactionRecord, traceID string) streaming.Message {
	return streaming.Message{
		Type:        streaming.MessageTypeTransaction,
		TraceID:     traceID,
		Hash:        record.Hash,
		From:        record.FromAddress,
		To:          record.ToAddress,
		Value:       decimal(record.Value),
		Gas:         decimal(record.Gas),
		GasPrice:    decimal(record.GasPrice),
		BlockHeight: record.BlockHeight,
		ObservedAt:  record.ObservedAt,
		Input:       record.InputData,
	}
}

func decimal(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
