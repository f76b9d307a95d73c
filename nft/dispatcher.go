package nft

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nftbridge/chain"
	"nftbridge/observability"
)

const defaultHandlerTimeout = 5 * time.Minute

// EventHandler applies a decoded event. Handlers implements it.
type EventHandler interface {
	Handle(ctx context.Context, event chain.Event, txHash *common.Hash) error
}

// LogStream yields decoded contract logs. chain.Stream implements it.
type LogStream interface {
	Next(ctx context.Context) (chain.Log, error)
}

// Dispatcher fans events out to handlers, one goroutine per event, so a slow downstream call
// never stalls ingestion.
type Dispatcher struct {
	handler EventHandler
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.EventMetrics
	tracer  trace.Tracer

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHandlerTimeout bounds each handler run.
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEventMetrics records event and handler metrics.
func WithEventMetrics(metrics *observability.EventMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// NewDispatcher constructs a dispatcher around the handler.
func NewDispatcher(handler EventHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		timeout: defaultHandlerTimeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("nftbridge/nft"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run dispatches logs from the stream in the order received until the stream fails or ctx
// ends. Handlers already started keep running; call Wait to drain them.
func (d *Dispatcher) Run(ctx context.Context, stream LogStream) error {
	for {
		log, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.Dispatch(ctx, log.Event, log.TxHash)
	}
}

// Dispatch starts the handler for one event and returns immediately. Handler failures are
// logged and counted; they never propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, event chain.Event, txHash *common.Hash) {
	if event == nil {
		return
	}
	d.metrics.RecordEvent(string(event.Kind()))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handle(ctx, event, txHash)
	}()
}

// Wait blocks until every dispatched handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) handle(parent context.Context, event chain.Event, txHash *common.Hash) {
	kind := string(event.Kind())
	attrs := eventAttrs(event, txHash)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "nft.handle."+kind, trace.WithAttributes(spanAttrs(attrs)...))
	defer span.End()

	start := time.Now()
	err := d.invoke(ctx, event, txHash)
	d.metrics.ObserveHandler(kind, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.LogAttrs(ctx, slog.LevelError, "event handler failed",
			append(attrs, slog.Any("error", err))...)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, event chain.Event, txHash *common.Hash) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("nft: handler panicked: %v", r)
			d.logger.Error("handler panic", slog.String("stack", string(debug.Stack())))
		}
	}()
	return d.handler.Handle(ctx, event, txHash)
}

func eventAttrs(event chain.Event, txHash *common.Hash) []slog.Attr {
	attrs := []slog.Attr{slog.String("kind", string(event.Kind()))}
	switch e := event.(type) {
	case chain.TokenFinalized:
		attrs = append(attrs, slog.String("token_id", e.TokenID.String()))
	case chain.RedeemRequested:
		attrs = append(attrs, slog.String("token_id", e.TokenID.String()))
	case chain.OwnershipTransferred:
		attrs = append(attrs, slog.String("token_id", e.TokenID.String()))
	}
	if txHash != nil {
		attrs = append(attrs, slog.String("tx_hash", txHash.Hex()))
	}
	return attrs
}

func spanAttrs(attrs []slog.Attr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, attribute.String(attr.Key, attr.Value.String()))
	}
	return out
}
