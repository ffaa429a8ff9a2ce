package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-realtime/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const subjectPrefix = "chat.room."

var tracer = otel.Tracer("github.com/npezzotti/go-realtime/internal/relay")

// Publisher receives every durably appended message.
type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

func Subject(roomId string) string {
	return subjectPrefix + roomId
}

type NatsPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func NewNatsPublisher(logger zerolog.Logger, url string) (*NatsPublisher, error) {
	l := logger.With().Str("component", "relay").Logger()
	nc, err := nats.Connect(url,
		nats.Name("go-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NatsPublisher{conn: nc, log: l}, nil
}

type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }
func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (p *NatsPublisher) Publish(ctx context.Context, msg types.Message) error {
	subject := Subject(msg.RoomId)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int64("chat.seq_id", msg.SeqId),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(header))

	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Header: header, Data: data}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Close flushes pending publications before closing the connection.
func (p *NatsPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
