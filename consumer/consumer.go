// Package consumer implements the resumable read loop that replays and tails
// one conversation's journal for a viewer. The loop is a small state machine
// (Connecting, Streaming, then Ended, Errored or Cancelled) with three hard
// guarantees:
//
//   - every stream begins with a Connected event carrying the resume cursor
//     and its last frame is an End event, on every exit path;
//   - the checkpoint is persisted after every successfully processed batch
//     and one final time on exit, so a reconnecting viewer resumes with no
//     duplicates and no gaps;
//   - a viewer never sees a silently hung connection: with no new entries for
//     the keep-alive window the loop emits KeepAlive without touching the
//     checkpoint, and transient journal faults surface as Error events while
//     the loop retries indefinitely.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/runstream/checkpoint"
	"goa.design/runstream/event"
	"goa.design/runstream/journal"
	"goa.design/runstream/telemetry"
)

type (
	// EmitFunc receives the stream events produced by the loop. Returning an
	// error is a fatal consumer fault: the loop stops after its cleanup path
	// runs.
	EmitFunc func(ctx context.Context, ev event.StreamEvent) error

	// Options configures a Consumer.
	Options struct {
		// Journal is the durable log to read. Required.
		Journal journal.Log
		// Checkpoints persists per-conversation delivery cursors. Required.
		Checkpoints checkpoint.Store
		// BatchSize caps entries per tail read. Defaults to 100, which is
		// also the maximum.
		BatchSize int
		// BlockTimeout bounds each blocking tail read. Cancellation is
		// observed within one timeout window. Defaults to 1s.
		BlockTimeout time.Duration
		// KeepAliveInterval is how long the stream may be silent before a
		// KeepAlive is emitted. Defaults to 10s.
		KeepAliveInterval time.Duration
		// RetryDelay is the fixed backoff after a transient read fault.
		// Defaults to 1s.
		RetryDelay time.Duration
		// StopAtEnd makes the loop return once the run's End marker has been
		// delivered instead of tailing for further runs. Off by default.
		StopAtEnd bool
		// Logger and Metrics default to noop.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Consumer streams conversation journals to viewers.
	Consumer struct {
		journal     journal.Log
		checkpoints checkpoint.Store
		batch       int
		block       time.Duration
		keepAlive   time.Duration
		retryDelay  time.Duration
		stopAtEnd   bool
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}
)

const (
	maxBatchSize            = 100
	defaultBlockTimeout     = time.Second
	defaultKeepAliveEvery   = 10 * time.Second
	defaultRetryDelay       = time.Second
	metricEntriesDelivered  = "runstream.consumer.entries_delivered"
	metricKeepAlivesEmitted = "runstream.consumer.keepalives_emitted"
	metricReadErrors        = "runstream.consumer.read_errors"
)

// New returns a Consumer with the given options.
func New(opts Options) (*Consumer, error) {
	if opts.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	batch := opts.BatchSize
	if batch <= 0 || batch > maxBatchSize {
		batch = maxBatchSize
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	keepAlive := opts.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAliveEvery
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Consumer{
		journal:     opts.Journal,
		checkpoints: opts.Checkpoints,
		batch:       batch,
		block:       block,
		keepAlive:   keepAlive,
		retryDelay:  retryDelay,
		stopAtEnd:   opts.StopAtEnd,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Stream replays and tails conversationID, emitting events until stop
// returns true, ctx is canceled, a fatal fault occurs or (with StopAtEnd)
// the End marker is delivered. stop is checked once per loop iteration; nil
// means "run until canceled". The cleanup path always persists the cursor
// and closes the stream with a final End.
func (c *Consumer) Stream(ctx context.Context, conversationID string, stop func() bool, emit EmitFunc) (err error) {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if emit == nil {
		return errors.New("emit func is required")
	}
	if stop == nil {
		stop = func() bool { return false }
	}

	// Connecting: load the resume cursor. A load failure still produces the
	// full Connected/Error/End bracket so the wire contract is uniform.
	cursor, cerr := c.checkpoints.Last(ctx, conversationID)
	if cerr != nil && !errors.Is(cerr, checkpoint.ErrNotFound) {
		clean := context.WithoutCancel(ctx)
		_ = emit(clean, event.Connected{})
		_ = emit(clean, event.Error{Text: cerr.Error()})
		_ = emit(clean, event.End{})
		return fmt.Errorf("load checkpoint: %w", cerr)
	}

	// lastWasEnd tracks whether the most recent frame on the wire was End.
	// Without StopAtEnd the loop keeps tailing past a run's End marker, so
	// the flag must clear as soon as a later run emits anything; only then
	// does cleanup know whether the stream still needs its closing End.
	lastWasEnd := false
	defer func() {
		// Cleanup runs on every exit path: cancelled, errored or ended. It
		// uses a context detached from cancellation so the final checkpoint
		// persist and End frame survive the caller going away.
		clean := context.WithoutCancel(ctx)
		if cursor != "" {
			if perr := c.checkpoints.Set(clean, conversationID, cursor); perr != nil {
				c.logger.Error(ctx, "persist final checkpoint",
					"conversation_id", conversationID, "err", perr)
			}
		}
		if !lastWasEnd {
			if err != nil && !errors.Is(err, context.Canceled) {
				_ = emit(clean, event.Error{Text: err.Error()})
			}
			_ = emit(clean, event.End{})
		}
	}()

	if err := emit(ctx, event.Connected{Cursor: string(cursor)}); err != nil {
		return fmt.Errorf("emit connected: %w", err)
	}
	lastEmit := time.Now()

	// Streaming.
	for !stop() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, terr := c.journal.Tail(ctx, conversationID, cursor, c.batch, c.block)
		if terr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient fault: surface it, back off, retry indefinitely.
			c.metrics.IncCounter(metricReadErrors, 1, "conversation_id", conversationID)
			c.logger.Error(ctx, "tail read failed",
				"conversation_id", conversationID, "cursor", string(cursor), "err", terr)
			if err := emit(ctx, event.Error{Text: terr.Error()}); err != nil {
				return fmt.Errorf("emit error event: %w", err)
			}
			lastWasEnd = false
			lastEmit = time.Now()
			if err := sleep(ctx, c.retryDelay); err != nil {
				return err
			}
			continue
		}
		if len(entries) == 0 {
			if time.Since(lastEmit) >= c.keepAlive {
				if err := emit(ctx, event.KeepAlive{}); err != nil {
					return fmt.Errorf("emit keep-alive: %w", err)
				}
				c.metrics.IncCounter(metricKeepAlivesEmitted, 1, "conversation_id", conversationID)
				lastWasEnd = false
				lastEmit = time.Now()
			}
			continue
		}

		lastEmit = time.Now()
		sawEnd := false
		for _, entry := range entries {
			ev, ok := c.classify(ctx, entry)
			if ok {
				if err := emit(ctx, ev); err != nil {
					return fmt.Errorf("emit %s: %w", ev.EventType(), err)
				}
				_, lastWasEnd = ev.(event.End)
				sawEnd = sawEnd || lastWasEnd
			}
			cursor = entry.ID
		}
		c.metrics.IncCounter(metricEntriesDelivered, float64(len(entries)), "conversation_id", conversationID)
		if perr := c.checkpoints.Set(ctx, conversationID, cursor); perr != nil {
			// Checkpoint persistence is retried implicitly by the next batch
			// and the final cleanup persist; losing one intermediate persist
			// only widens the replay window.
			c.logger.Error(ctx, "persist checkpoint",
				"conversation_id", conversationID, "cursor", string(cursor), "err", perr)
		}
		if sawEnd && c.stopAtEnd {
			return nil
		}
	}
	return nil
}

// classify decodes one journal payload into the stream event to forward.
// Only the four durable kinds are forwarded; unrecognized payloads and
// non-durable kinds that should never appear in a journal are logged and
// dropped without stopping the stream.
func (c *Consumer) classify(ctx context.Context, entry journal.Entry) (event.StreamEvent, bool) {
	ev, err := event.Decode(entry.Payload)
	if err != nil {
		c.logger.Warn(ctx, "dropping unrecognized journal payload",
			"conversation_id", entry.ConversationID, "entry_id", string(entry.ID), "err", err)
		return nil, false
	}
	switch ev.(type) {
	case event.Delta, event.DurableMessage, event.Error, event.End:
		return ev, true
	default:
		c.logger.Warn(ctx, "dropping non-durable journal payload",
			"conversation_id", entry.ConversationID, "entry_id", string(entry.ID),
			"kind", string(ev.EventType()))
		return nil, false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
