package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"tengine/internal/logging"
)

// ReplyToHeader overrides the configured reply topic per message.
const ReplyToHeader = "reply-to"

type Config struct {
	Brokers      []string
	GroupID      string
	RequestTopic string
	ReplyTopic   string
	Version      string
	StartFrom    string
	TLSEn        bool
	SASLUser     string
	SASLPass     string
}

// producer is the part of sarama.SyncProducer the listener uses.
type producer interface {
	SendMessage(msg *sarama.ProducerMessage) (int32, int64, error)
	Close() error
}

// Listener consumes the request topic as a consumer group and produces one
// reply per handled message. Offsets are marked only after the reply is
// acknowledged by the broker.
type Listener struct {
	cfg      Config
	client   sarama.Client
	group    sarama.ConsumerGroup
	producer producer
	handler  *Handler
	logger   *slog.Logger
}

func saramaConfig(cfg Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	switch cfg.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, nil
}

// NewListener connects to the brokers.
func NewListener(cfg Config, h *Handler, logger *slog.Logger) (*Listener, error) {
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	l := &Listener{cfg: cfg, handler: h, logger: logging.OrDefault(logger)}
	if l.client, err = sarama.NewClient(cfg.Brokers, sc); err != nil {
		return nil, fmt.Errorf("queue: client: %w", err)
	}
	if l.group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, l.client); err != nil {
		_ = l.client.Close()
		return nil, fmt.Errorf("queue: consumer group: %w", err)
	}
	if l.producer, err = sarama.NewSyncProducerFromClient(l.client); err != nil {
		_ = l.group.Close()
		_ = l.client.Close()
		return nil, fmt.Errorf("queue: producer: %w", err)
	}
	return l, nil
}

// Run consumes until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		for err := range l.group.Errors() {
			l.logger.Warn("queue consumer error", logging.Err(err))
		}
	}()
	gh := &groupHandler{handler: l.handler, producer: l.producer, replyTopic: l.cfg.ReplyTopic, logger: l.logger}
	l.logger.Info("queue listening", slog.String("topic", l.cfg.RequestTopic), slog.String("group", l.cfg.GroupID))
	for {
		if err := l.group.Consume(ctx, []string{l.cfg.RequestTopic}, gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Listener) Close() error {
	_ = l.group.Close()
	_ = l.producer.Close()
	return l.client.Close()
}

type groupHandler struct {
	handler    *Handler
	producer   producer
	replyTopic string
	logger     *slog.Logger
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (*groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := g.process(sess.Context(), msg); err != nil {
				return err
			}
			sess.MarkMessage(msg, "")
		}
	}
}

// process handles msg and produces its reply. An error means the reply could
// not be delivered and the message must not be marked.
func (g *groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	reply := g.handler.Handle(ctx, msg.Value)
	if reply == nil {
		return nil
	}
	topic := replyTopic(msg.Headers, g.replyTopic)
	if topic == "" {
		g.logger.Error("no reply destination",
			slog.String(logging.FieldRequestID, reply.RequestID),
			slog.String(logging.FieldEventType, "queue_reply_dropped"),
		)
		return nil
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if _, _, err := g.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(reply.RequestID),
		Value: sarama.ByteEncoder(body),
	}); err != nil {
		return fmt.Errorf("send reply %s: %w", reply.RequestID, err)
	}
	return nil
}

func replyTopic(headers []*sarama.RecordHeader, fallback string) string {
	for _, h := range headers {
		if h != nil && string(h.Key) == ReplyToHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fallback
}
