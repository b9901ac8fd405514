package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/geistlabs/geistai-sub001/internal/domain"
	"github.com/geistlabs/geistai-sub001/internal/event"
	"github.com/geistlabs/geistai-sub001/internal/metrics"
	"github.com/geistlabs/geistai-sub001/internal/reducer"
	"github.com/geistlabs/geistai-sub001/internal/router"
	"github.com/geistlabs/geistai-sub001/internal/stream"
)

// DefaultIdleTimeout bounds the wait for the next chunk.
const DefaultIdleTimeout = 60 * time.Second

const readBufferSize = 4096

// Observer receives a snapshot of the in-flight message after every applied event.
type Observer func(msg *domain.Message)

// Engine applies one stream to a reducer. Events are decoded, routed and
// applied strictly in arrival order on the calling goroutine.
type Engine struct {
	reducer     *reducer.Reducer
	router      *router.Router
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewEngine creates an Engine. A non-positive idleTimeout uses DefaultIdleTimeout.
func NewEngine(r *reducer.Reducer, idleTimeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Engine{
		reducer:     r,
		router:      router.New(),
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

type chunk struct {
	data []byte
	err  error
}

// Run consumes body until a terminal event, a transport failure, idle
// timeout or ctx cancellation. It always closes body. The in-flight message
// is left terminal: complete on nil, canceled on ErrCanceled, error otherwise.
func (e *Engine) Run(ctx context.Context, messageID string, body io.ReadCloser, observe Observer) error {
	ctx, span := metrics.StartTurnSpan(ctx, e.reducer.ID(), messageID)
	defer span.End()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	log := e.logger.With("conversation_id", e.reducer.ID(), "message_id", messageID)
	if observe == nil {
		observe = func(*domain.Message) {}
	}

	readCtx, stopReading := context.WithCancel(ctx)
	chunks := make(chan chunk)
	go readChunks(readCtx, body, chunks)
	defer func() {
		stopReading()
		if err := body.Close(); err != nil {
			log.Debug("failed to close stream body", "error", err)
		}
	}()

	decoder := stream.NewDecoder(log, stream.WithErrorHandler(func(err error) {
		metrics.ProtocolErrors.WithLabelValues(metrics.StageDecode).Inc()
		log.Warn("dropping malformed stream event", "error", err)
	}))
	defer func() {
		if n := decoder.Dropped(); n > 0 {
			log.Info("turn finished with dropped stream events", "dropped", n)
		}
	}()
	t := &turn{engine: e, messageID: messageID, observe: observe, span: span, log: log}

	idle := time.NewTimer(e.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.reducer.Cancel(messageID) {
				observe(e.reducer.Message(messageID))
			}
			log.Info("turn canceled by caller", "cause", context.Cause(ctx))
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())

		case <-idle.C:
			return t.fail(&TransportError{Op: "read", Err: ErrIdleTimeout})

		case c := <-chunks:
			idle.Reset(e.idleTimeout)
			if len(c.data) > 0 {
				if done, err := t.dispatch(decoder.Feed(string(c.data))); done {
					return err
				}
			}
			if c.err == nil {
				continue
			}
			if !errors.Is(c.err, io.EOF) {
				return t.fail(&TransportError{Op: "read", Err: c.err})
			}
			if done, err := t.dispatch(decoder.Flush()); done {
				return err
			}
			return t.fail(&TransportError{Op: "read", Err: ErrPrematureTermination})
		}
	}
}

// readChunks copies body into chunks until a read error. The final send
// always carries the error, io.EOF included.
func readChunks(ctx context.Context, body io.Reader, chunks chan<- chunk) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		c := chunk{err: err}
		if n > 0 {
			c.data = append([]byte(nil), buf[:n]...)
		}
		if n > 0 || err != nil {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// turn carries the per-run state of Engine.Run.
type turn struct {
	engine    *Engine
	messageID string
	observe   Observer
	span      trace.Span
	log       *slog.Logger
}

// dispatch routes and applies wire events. done reports that the turn
// reached a terminal state; err is nil only for a successful end.
func (t *turn) dispatch(wires []stream.WireEvent) (done bool, err error) {
	e := t.engine
	for _, w := range wires {
		events, rerr := e.router.Route(w)
		if rerr != nil {
			metrics.ProtocolErrors.WithLabelValues(metrics.StageRoute).Inc()
			t.log.Warn("skipping stream event", "error", rerr)
			continue
		}
		for _, ev := range events {
			metrics.StreamEvents.WithLabelValues(string(ev.Kind())).Inc()
			if !e.reducer.Apply(t.messageID, ev) {
				t.log.Info("turn no longer in flight, stopping stream")
				return true, ErrSuperseded
			}
			if tc, ok := ev.(event.ToolCall); ok {
				metrics.ToolCalls.WithLabelValues(tc.ToolName, string(tc.Phase)).Inc()
				metrics.AddToolEvent(t.span, tc.ToolName, string(tc.Phase))
			}
			t.observe(e.reducer.Message(t.messageID))

			switch ev := ev.(type) {
			case event.ServerError:
				err := &ServerError{ev}
				metrics.RecordError(t.span, err)
				t.log.Warn("orchestrator reported error", "status", ev.Status, "error", ev.Message)
				return true, err
			case event.End:
				t.log.Info("turn completed")
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *turn) fail(err error) error {
	metrics.RecordError(t.span, err)
	t.log.Error("turn failed", "error", err)
	if t.engine.reducer.Fail(t.messageID, UserMessage(err)) {
		t.observe(t.engine.reducer.Message(t.messageID))
	}
	return err
}
