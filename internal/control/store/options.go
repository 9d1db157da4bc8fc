package store

import (
	"log/slog"
	"time"
)

// Options configure the store.
type Options struct {
	Logger    *slog.Logger
	JetStream *JetStreamOptions
}

// JetStreamOptions describe how to persist history in NATS JetStream.
type JetStreamOptions struct {
	URL           string
	User          string
	Password      string
	EventsPrefix  string
	StateStream   string
	LogsStream    string
	StateMaxBytes int64
	LogsMaxBytes  int64
	DupeWindow    time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.EventsPrefix == "" {
		o.EventsPrefix = "devbox"
	}
	if o.StateStream == "" {
		o.StateStream = "devbox_state"
	}
	if o.LogsStream == "" {
		o.LogsStream = "devbox_logs"
	}
	if o.StateMaxBytes == 0 {
		o.StateMaxBytes = 1 * 1024 * 1024 * 1024 // 1GB
	}
	if o.LogsMaxBytes == 0 {
		o.LogsMaxBytes = 50 * 1024 * 1024 * 1024 // 50GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}
