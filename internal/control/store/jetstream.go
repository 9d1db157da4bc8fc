package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/devbox"
)

// Mirror payloads. Snapshots carry a per-record version so replay keeps the newest.
type devboxEvent struct {
	Devbox    *devbox.Devbox `cbor:"devbox"`
	Version   uint64         `cbor:"version"`
	EmittedAt time.Time      `cbor:"emitted_at"`
}

type executionEvent struct {
	Execution *devbox.Execution `cbor:"execution"`
	Version   uint64            `cbor:"version"`
	EmittedAt time.Time         `cbor:"emitted_at"`
}

type logEvent struct {
	DevboxID  string          `cbor:"devbox_id"`
	Entry     devbox.LogEntry `cbor:"entry"`
	EmittedAt time.Time       `cbor:"emitted_at"`
}

type jetStreamMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *JetStreamOptions
	logger *slog.Logger
}

func newJetStreamMirror(ctx context.Context, opts *JetStreamOptions, logger *slog.Logger) (*jetStreamMirror, error) {
	cfg := *opts
	cfg.setDefaults()
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("devboxd")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &jetStreamMirror{
		conn:   conn,
		js:     js,
		opts:   &cfg,
		logger: logger,
	}
	if err := m.ensureStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *jetStreamMirror) Close() {
	if m.conn != nil {
		_ = m.conn.Drain()
		m.conn.Close()
	}
}

func (m *jetStreamMirror) ensureStreams(ctx context.Context) error {
	if err := m.ensureStream(ctx, &nats.StreamConfig{
		Name:       m.opts.StateStream,
		Subjects:   []string{m.devboxesWildcard(), m.executionsWildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.StateMaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}); err != nil {
		return err
	}
	return m.ensureStream(ctx, &nats.StreamConfig{
		Name:       m.opts.LogsStream,
		Subjects:   []string{m.logsWildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.LogsMaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	})
}

func (m *jetStreamMirror) ensureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	if _, err := m.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

func (m *jetStreamMirror) hydrate(ctx context.Context, st *Store) error {
	if err := m.replayDevboxes(ctx, st); err != nil {
		return err
	}
	if err := m.replayExecutions(ctx, st); err != nil {
		return err
	}
	return m.replayLogs(ctx, st)
}

func (m *jetStreamMirror) replay(ctx context.Context, subject, stream string, handler func(*nats.Msg) error) error {
	sub, err := m.js.PullSubscribe(
		subject,
		"",
		nats.BindStream(stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return m.drain(ctx, sub, handler)
}

func (m *jetStreamMirror) replayDevboxes(ctx context.Context, st *Store) error {
	return m.replay(ctx, m.devboxesWildcard(), m.opts.StateStream, func(msg *nats.Msg) error {
		var evt devboxEvent
		if err := devboxv1.Unmarshal(msg.Data, &evt); err != nil {
			m.logger.Error("devbox replay decode", "err", err)
			return msg.Ack()
		}
		if evt.Devbox != nil {
			st.applyReplayedDevbox(evt.Devbox, evt.Version)
		}
		return msg.Ack()
	})
}

func (m *jetStreamMirror) replayExecutions(ctx context.Context, st *Store) error {
	return m.replay(ctx, m.executionsWildcard(), m.opts.StateStream, func(msg *nats.Msg) error {
		var evt executionEvent
		if err := devboxv1.Unmarshal(msg.Data, &evt); err != nil {
			m.logger.Error("execution replay decode", "err", err)
			return msg.Ack()
		}
		if evt.Execution != nil {
			st.applyReplayedExecution(evt.Execution, evt.Version)
		}
		return msg.Ack()
	})
}

func (m *jetStreamMirror) replayLogs(ctx context.Context, st *Store) error {
	return m.replay(ctx, m.logsWildcard(), m.opts.LogsStream, func(msg *nats.Msg) error {
		var evt logEvent
		if err := devboxv1.Unmarshal(msg.Data, &evt); err != nil {
			m.logger.Error("log replay decode", "err", err)
			return msg.Ack()
		}
		if evt.DevboxID != "" {
			st.applyReplayedLog(evt.DevboxID, evt.Entry)
		}
		return msg.Ack()
	})
}

func (m *jetStreamMirror) drain(ctx context.Context, sub *nats.Subscription, handler func(*nats.Msg) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		for _, msg := range msgs {
			if err := handler(msg); err != nil {
				return err
			}
		}
		if len(msgs) == 0 {
			return nil
		}
	}
}

func (m *jetStreamMirror) publishDevbox(d *devbox.Devbox, version uint64) error {
	payload, err := devboxv1.Marshal(&devboxEvent{Devbox: d, Version: version, EmittedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("devbox:%s:%d", d.ID, version)
	_, err = m.js.Publish(m.devboxSubject(d.ID), payload, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) publishExecution(ex *devbox.Execution, version uint64) error {
	payload, err := devboxv1.Marshal(&executionEvent{Execution: ex, Version: version, EmittedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("exec:%s:%s:%d", ex.DevboxID, ex.ID, version)
	_, err = m.js.Publish(m.executionSubject(ex.DevboxID, ex.ID), payload, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) publishLog(devboxID string, e devbox.LogEntry) error {
	payload, err := devboxv1.Marshal(&logEvent{DevboxID: devboxID, Entry: e, EmittedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("log:%s:%d", devboxID, e.Sequence)
	_, err = m.js.Publish(m.logSubject(devboxID), payload, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) devboxSubject(id string) string {
	return fmt.Sprintf("%s.devboxes.%s", m.opts.EventsPrefix, id)
}

func (m *jetStreamMirror) executionSubject(devboxID, executionID string) string {
	return fmt.Sprintf("%s.executions.%s.%s", m.opts.EventsPrefix, devboxID, executionID)
}

func (m *jetStreamMirror) logSubject(devboxID string) string {
	return fmt.Sprintf("%s.logs.%s", m.opts.EventsPrefix, devboxID)
}

func (m *jetStreamMirror) devboxesWildcard() string {
	return fmt.Sprintf("%s.devboxes.*", m.opts.EventsPrefix)
}

func (m *jetStreamMirror) executionsWildcard() string {
	return fmt.Sprintf("%s.executions.*.*", m.opts.EventsPrefix)
}

func (m *jetStreamMirror) logsWildcard() string {
	return fmt.Sprintf("%s.logs.*", m.opts.EventsPrefix)
}
