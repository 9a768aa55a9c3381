package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/marketplace-chat/pkg/logging"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is the consumer group. Gateways use a group of their own so
	// every instance sees every frame; the archiver shares a durable one.
	GroupID string
	// FromStart makes a new group begin at the oldest offset instead of the
	// newest.
	FromStart bool
}

// KafkaBus publishes envelopes keyed by room id, so one room's frames stay
// on one partition and in order.
type KafkaBus struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewKafkaBus(cfg KafkaConfig, logger *slog.Logger) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		log:    logger.With("component", "kafka-bus", slog.String("topic", cfg.Topic)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func toMessage(env Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(env.RoomID), Value: value, Time: env.At}, nil
}

func fromMessage(m kafka.Message) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(m.Value, &env)
	return env, err
}

func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	msg, err := toMessage(env)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, msg)
}

func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	start := kafka.LastOffset
	if b.cfg.FromStart {
		start = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       b.cfg.Topic,
		GroupID:     b.cfg.GroupID,
		StartOffset: start,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-b.ctx.Done()
		cancel()
	}()

	go func() {
		defer cancel()
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				b.log.Error("error reading frame, retrying in 1s", logging.Err(err))
				time.Sleep(1 * time.Second)
				continue
			}

			env, err := fromMessage(m)
			if err != nil {
				b.log.Warn("skipping undecodable envelope", slog.Int64("offset", m.Offset), logging.Err(err))
				continue
			}
			h(env)
		}
	}()

	b.log.Info("subscribed", slog.String("group", b.cfg.GroupID))
	return nil
}

func (b *KafkaBus) Close() error {
	b.cancel()
	return b.writer.Close()
}
