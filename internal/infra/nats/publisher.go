package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

const eventSessionFinished = "session.finished"

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "QUIZ_RESULTS",
		SubjectPrefix:   "quiz.results",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Hour,
	}
}

// ResultPublisher announces finished sessions on a JetStream stream. The session id is
// the message id, so a repeated publish inside the duplicate window is dropped by the server.
type ResultPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
}

func NewResultPublisher(ctx context.Context, cfg Config) (*ResultPublisher, error) {
	opts := []nats.Option{
		nats.Name("live-quiz-service"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &ResultPublisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *ResultPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, streamConfig(p.config))
	if err != nil {
		return err
	}
	log.Info().Str("stream", p.config.StreamName).Msg("JetStream stream ready")
	return nil
}

func streamConfig(cfg Config) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Finished quiz session results",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  cfg.DuplicateWindow,
	}
}

// SaveResult publishes the result and waits for the stream ack.
func (p *ResultPublisher) SaveResult(ctx context.Context, result domain.Result) error {
	msg, err := resultMessage(p.config.SubjectPrefix, result, time.Now().UTC())
	if err != nil {
		return err
	}
	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(result.SessionID))
	if err != nil {
		return fmt.Errorf("publish result %s: %w", result.SessionID, err)
	}
	log.Debug().
		Str("session_id", result.SessionID).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("result published")
	return nil
}

type resultEnvelope struct {
	EventID   string        `json:"eventId"`
	EventType string        `json:"eventType"`
	SessionID string        `json:"sessionId"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   domain.Result `json:"payload"`
}

func resultMessage(prefix string, result domain.Result, now time.Time) (*nats.Msg, error) {
	data, err := json.Marshal(resultEnvelope{
		EventID:   result.SessionID,
		EventType: eventSessionFinished,
		SessionID: result.SessionID,
		Timestamp: now,
		Payload:   result,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal result event: %w", err)
	}
	return &nats.Msg{
		Subject: prefix + "." + eventSessionFinished,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{eventSessionFinished},
			"Session-ID": []string{result.SessionID},
			"Quiz-ID":    []string{result.QuizID},
		},
	}, nil
}

// Close drains pending publishes and closes the connection.
func (p *ResultPublisher) Close() error {
	return p.nc.Drain()
}
