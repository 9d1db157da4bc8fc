package session

import (
	"cmp"
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// FromStart is the cursor that selects a devbox's whole log.
const FromStart int64 = -1

// DefaultTailInterval is the wait between empty polls while tailing.
const DefaultTailInterval = time.Second

// LogStreamer reads devbox logs in sequence order.
type LogStreamer struct {
	cp     ControlPlane
	logger *slog.Logger

	PollInterval time.Duration
}

// NewLogStreamer returns a streamer polling every DefaultTailInterval when idle.
func NewLogStreamer(cp ControlPlane, logger *slog.Logger) *LogStreamer {
	return &LogStreamer{
		cp:           cp,
		logger:       loggerOrDiscard(logger),
		PollInterval: DefaultTailInterval,
	}
}

// FetchSince returns the entries with a sequence above afterSequence in
// increasing order. An empty result means nothing new yet. Missing sequence
// numbers are left as gaps.
func (s *LogStreamer) FetchSince(ctx context.Context, devboxID string, afterSequence int64) ([]devbox.LogEntry, error) {
	entries, err := s.cp.GetLogs(ctx, devboxID, afterSequence)
	if err != nil {
		return nil, err
	}
	return orderAfter(entries, afterSequence), nil
}

// orderAfter sorts by sequence and keeps each sequence above after exactly once.
func orderAfter(entries []devbox.LogEntry, after int64) []devbox.LogEntry {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b devbox.LogEntry) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	out := sorted[:0]
	last := after
	for _, e := range sorted {
		if e.Sequence <= last {
			continue
		}
		out = append(out, e)
		last = e.Sequence
	}
	return out
}

// Drain fetches pages until the control plane has nothing newer than the last
// entry returned, i.e. the logs so far.
func (s *LogStreamer) Drain(ctx context.Context, devboxID string, afterSequence int64) ([]devbox.LogEntry, error) {
	var out []devbox.LogEntry
	cursor := afterSequence
	for {
		batch, err := s.FetchSince(ctx, devboxID, cursor)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
		cursor = batch[len(batch)-1].Sequence
	}
}

// Tail yields entries after afterSequence as they appear. It ends when ctx is
// done (yielding a Cancelled or DeadlineExceeded error), when the consumer
// stops iterating, when a NotFound or Permanent error occurs (yielded), or
// once the devbox is terminal and a final fetch returns nothing.
//
// The sequence of the last entry a consumer received is always a safe cursor
// for FetchSince or another Tail: nothing is delivered twice.
func (s *LogStreamer) Tail(ctx context.Context, devboxID string, afterSequence int64) iter.Seq2[devbox.LogEntry, error] {
	const op = "tail logs"
	return func(yield func(devbox.LogEntry, error) bool) {
		logger := s.logger.With("devbox", devboxID)
		cursor := afterSequence
		terminal := false
		for {
			if err := ctx.Err(); err != nil {
				yield(devbox.LogEntry{}, devbox.FromContext(op, devboxID, err))
				return
			}
			batch, err := s.FetchSince(ctx, devboxID, cursor)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					continue
				case devbox.IsTransient(err):
					logger.Debug("transient log fetch failure", "err", err, "after", cursor)
				default:
					yield(devbox.LogEntry{}, err)
					return
				}
			}
			for _, entry := range batch {
				cursor = entry.Sequence
				if !yield(entry, nil) {
					return
				}
			}
			if len(batch) > 0 {
				continue
			}

			if err == nil {
				if terminal {
					return
				}
				d, derr := s.cp.GetDevbox(ctx, devboxID)
				switch {
				case derr == nil && d.Status.Terminal():
					logger.Debug("devbox finished, draining remaining logs", "status", d.Status)
					terminal = true
					continue
				case derr != nil && ctx.Err() == nil && !devbox.IsTransient(derr):
					yield(devbox.LogEntry{}, derr)
					return
				}
			}

			if err := sleepCtx(ctx, s.PollInterval); err != nil {
				yield(devbox.LogEntry{}, devbox.FromContext(op, devboxID, err))
				return
			}
		}
	}
}
