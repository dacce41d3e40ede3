package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/pkg/models"
)

const (
	// EventBufferSize is the capacity of the channel returned by Stream.
	// A slow consumer applies backpressure to the provider rather than
	// growing an unbounded queue.
	EventBufferSize = 64

	// FirstTokenTimeout bounds the wait for the first event of a stream.
	FirstTokenTimeout = 10 * time.Second

	// InterTokenTimeout bounds the gap between consecutive events.
	InterTokenTimeout = 20 * time.Second
)

// Request describes one model turn.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []tools.Descriptor
	MaxTokens int
}

// Provider is a raw streaming backend. The returned channel carries events
// in model order and is closed after the terminal event. Providers must
// honor ctx cancellation on every send.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Driver wraps a Provider with delivery guarantees: ordered events through
// a bounded channel, exactly one terminal event, watchdog timeouts between
// events, and a single transparent backup-model retry when the primary
// fails transiently before producing anything.
//
// Consumers must drain the returned channel until the terminal event, even
// after cancelling ctx. Cancellation surfaces as a final
// StreamError(KindCancelled).
type Driver struct {
	provider Provider
	backup   string
	logger   *observability.Logger
	metrics  *observability.Metrics

	firstTokenTimeout time.Duration
	interTokenTimeout time.Duration
}

// DriverConfig carries optional Driver settings.
type DriverConfig struct {
	// BackupModel, when non-empty, is retried once if the primary model
	// fails with a transient error before emitting any event.
	BackupModel string
}

// NewDriver builds a Driver around provider.
func NewDriver(provider Provider, cfg DriverConfig, logger *observability.Logger, metrics *observability.Metrics) *Driver {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Driver{
		provider:          provider,
		backup:            cfg.BackupModel,
		logger:            logger,
		metrics:           metrics,
		firstTokenTimeout: FirstTokenTimeout,
		interTokenTimeout: InterTokenTimeout,
	}
}

// Stream starts one model turn and returns the event channel. The channel
// has capacity EventBufferSize and is closed after the terminal event.
func (d *Driver) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, EventBufferSize)
	go d.run(ctx, req, out)
	return out
}

func (d *Driver) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	start := time.Now()
	delivered := false
	streamErr := d.attempt(ctx, req, out, &delivered)
	if streamErr == nil {
		d.observe(req.Model, "complete", start)
		return
	}

	if ctx.Err() != nil || streamErr.Kind == KindCancelled {
		d.observe(req.Model, "cancelled", start)
		out <- Event{Type: EventStreamError, Err: &StreamError{
			Kind:     KindCancelled,
			Provider: d.provider.Name(),
			Model:    req.Model,
			Message:  "stream cancelled",
			Cause:    context.Canceled,
		}}
		return
	}

	if !delivered && streamErr.Kind == KindTransient && d.backup != "" && d.backup != req.Model {
		d.logger.Warn(ctx, "primary model failed before first token, retrying on backup",
			"primary", req.Model,
			"backup", d.backup,
			"error", streamErr.Error(),
		)
		if d.metrics != nil {
			d.metrics.RecordLLMRetry(req.Model, d.backup)
		}
		backupReq := req
		backupReq.Model = d.backup
		retryErr := d.attempt(ctx, backupReq, out, &delivered)
		if retryErr == nil {
			d.observe(backupReq.Model, "complete", start)
			return
		}
		if ctx.Err() != nil || retryErr.Kind == KindCancelled {
			d.observe(backupReq.Model, "cancelled", start)
			out <- Event{Type: EventStreamError, Err: &StreamError{
				Kind:     KindCancelled,
				Provider: d.provider.Name(),
				Model:    backupReq.Model,
				Message:  "stream cancelled",
				Cause:    context.Canceled,
			}}
			return
		}
		d.observe(backupReq.Model, string(retryErr.Kind), start)
		out <- Event{Type: EventStreamError, Err: retryErr}
		return
	}

	d.observe(req.Model, string(streamErr.Kind), start)
	out <- Event{Type: EventStreamError, Err: streamErr}
}

// attempt runs a single provider stream, forwarding events to out until the
// terminal event. It returns nil when TurnComplete was forwarded, and the
// failure otherwise (in which case no terminal event has been sent).
func (d *Driver) attempt(ctx context.Context, req Request, out chan<- Event, delivered *bool) *StreamError {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw, err := d.provider.Stream(attemptCtx, req)
	if err != nil {
		return NewStreamError(d.provider.Name(), req.Model, err)
	}

	timer := time.NewTimer(d.firstTokenTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return &StreamError{
				Kind:     KindCancelled,
				Provider: d.provider.Name(),
				Model:    req.Model,
				Message:  "stream cancelled",
				Cause:    ctx.Err(),
			}

		case <-timer.C:
			cause := errFirstToken
			if *delivered {
				cause = errInterToken
			}
			return &StreamError{
				Kind:     KindTimeout,
				Provider: d.provider.Name(),
				Model:    req.Model,
				Message:  cause.Error(),
				Cause:    cause,
			}

		case ev, ok := <-raw:
			if !ok {
				return &StreamError{
					Kind:     KindTransient,
					Provider: d.provider.Name(),
					Model:    req.Model,
					Message:  "stream ended without a terminal event",
				}
			}

			switch ev.Type {
			case EventTextDelta, EventToolCallRequest:
				if !d.forward(ctx, out, ev) {
					return &StreamError{
						Kind:     KindCancelled,
						Provider: d.provider.Name(),
						Model:    req.Model,
						Message:  "stream cancelled",
						Cause:    ctx.Err(),
					}
				}
				*delivered = true
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.interTokenTimeout)

			case EventTurnComplete:
				if !d.forward(ctx, out, ev) {
					return &StreamError{
						Kind:     KindCancelled,
						Provider: d.provider.Name(),
						Model:    req.Model,
						Message:  "stream cancelled",
						Cause:    ctx.Err(),
					}
				}
				return nil

			case EventStreamError:
				se := ev.Err
				if se == nil {
					se = &StreamError{Kind: KindFatal, Message: "provider reported an unspecified error"}
				}
				if se.Provider == "" {
					se.Provider = d.provider.Name()
				}
				if se.Model == "" {
					se.Model = req.Model
				}
				return se
			}
		}
	}
}

// forward sends one event, giving up if ctx is cancelled while the consumer
// is not reading.
func (d *Driver) forward(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Driver) observe(model, outcome string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordLLMStream(d.provider.Name(), model, outcome, time.Since(start).Seconds())
}

var (
	errFirstToken = errors.New("no token within first-token deadline")
	errInterToken = errors.New("token gap exceeded inter-token deadline")
)
