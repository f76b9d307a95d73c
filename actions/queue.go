package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nftbridge/observability"
)

var (
	// ErrQueueClosed is returned to producers once the consumer has stopped.
	ErrQueueClosed = errors.New("actions: queue closed")
	// ErrAlreadyRunning is returned when a second consumer is started.
	ErrAlreadyRunning = errors.New("actions: consumer already running")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("actions: invalid request")
)

const (
	defaultCapacity      = 64
	defaultActionTimeout = 2 * time.Minute
)

// Executor performs contract calls. chain.Transactor satisfies it.
type Executor interface {
	Mint(ctx context.Context, recipient common.Address, externalUserID *big.Int, policy string) (common.Hash, error)
	Redeem(ctx context.Context, tokenID *big.Int, content string) (common.Hash, error)
}

// Result is delivered once per request.
type Result struct {
	TxID string
	Err  error
}

type call struct {
	action string
	run    func(ctx context.Context, exec Executor) (common.Hash, error)
	attrs  []slog.Attr
	link   trace.Link
	reply  chan Result
}

// Option adjusts the behaviour of the queue.
type Option func(*queueConfig)

type queueConfig struct {
	capacity int
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.BridgeMetrics
}

// WithCapacity sets the number of requests that may wait for the consumer before producers block.
func WithCapacity(capacity int) Option {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithActionTimeout bounds each contract call.
func WithActionTimeout(timeout time.Duration) Option {
	return func(cfg *queueConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *queueConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics records action outcomes and queue depth.
func WithMetrics(metrics *observability.BridgeMetrics) Option {
	return func(cfg *queueConfig) {
		cfg.metrics = metrics
	}
}

// Queue serialises contract calls through a single consumer so that no two transactions
// from this process compete for the same account nonce.
type Queue struct {
	exec    Executor
	items   chan call
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.BridgeMetrics
	tracer  trace.Tracer

	running atomic.Bool
	// mu is held for reading by producers blocked on send and for writing while the
	// consumer drains on shutdown.
	mu       sync.RWMutex
	done     chan struct{}
	doneOnce sync.Once
}

// NewQueue constructs a bounded queue in front of the executor.
func NewQueue(exec Executor, opts ...Option) *Queue {
	cfg := queueConfig{
		capacity: defaultCapacity,
		timeout:  defaultActionTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Queue{
		exec:    exec,
		items:   make(chan call, cfg.capacity),
		timeout: cfg.timeout,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		tracer:  otel.Tracer("nftbridge/actions"),
		done:    make(chan struct{}),
	}
}

// Enqueue validates the request and places it on the queue, blocking while the queue is full.
// The returned channel receives exactly one Result. Validation failures are delivered through
// the channel without occupying a queue slot.
func (q *Queue) Enqueue(ctx context.Context, req Request) (<-chan Result, error) {
	c, err := prepare(req)
	reply := make(chan Result, 1)
	if err != nil {
		reply <- Result{Err: err}
		return reply, nil
	}
	c.reply = reply
	c.link = trace.LinkFromContext(ctx)

	q.mu.RLock()
	defer q.mu.RUnlock()
	select {
	case <-q.done:
		return nil, ErrQueueClosed
	default:
	}
	select {
	case q.items <- c:
		q.metrics.SetQueueDepth(len(q.items))
		return reply, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues the request and waits for its transaction id. Abandoning the wait does not
// cancel the queued call.
func (q *Queue) Submit(ctx context.Context, req Request) (string, error) {
	reply, err := q.Enqueue(ctx, req)
	if err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.TxID, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run drains the queue in FIFO order until ctx ends. Only one consumer may ever run. A call
// in flight when ctx ends still completes; requests that never started receive ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) error {
	if q.exec == nil {
		return fmt.Errorf("actions: executor required")
	}
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer q.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-q.items:
			q.metrics.SetQueueDepth(len(q.items))
			q.execute(ctx, c)
		}
	}
}

func (q *Queue) shutdown() {
	q.doneOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case c := <-q.items:
			c.reply <- Result{Err: ErrQueueClosed}
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (q *Queue) execute(parent context.Context, c call) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), q.timeout)
	defer cancel()
	ctx, span := q.tracer.Start(ctx, "actions."+c.action,
		trace.WithLinks(c.link),
		trace.WithAttributes(attribute.String("action", c.action)))
	defer span.End()

	start := time.Now()
	hash, err := q.invoke(ctx, c)
	q.metrics.ObserveAction(c.action, time.Since(start), err)

	attrs := append([]slog.Attr{slog.String("action", c.action)}, c.attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs = append(attrs, slog.Any("error", err))
		q.logger.LogAttrs(ctx, slog.LevelError, "contract action failed", attrs...)
		c.reply <- Result{Err: err}
		return
	}
	txID := strings.ToLower(hash.Hex())
	span.SetAttributes(attribute.String("tx_hash", txID))
	attrs = append(attrs, slog.String("tx_hash", txID))
	q.logger.LogAttrs(ctx, slog.LevelInfo, "contract action submitted", attrs...)
	c.reply <- Result{TxID: txID}
}

func (q *Queue) invoke(ctx context.Context, c call) (hash common.Hash, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actions: %s panicked: %v", c.action, r)
		}
	}()
	return c.run(ctx, q.exec)
}

func prepare(req Request) (call, error) {
	switch r := req.(type) {
	case MintRequest:
		return prepareMint(r)
	case *MintRequest:
		if r == nil {
			return call{}, fmt.Errorf("%w: nil request", ErrInvalidRequest)
		}
		return prepareMint(*r)
	case RedeemRequest:
		return prepareRedeem(r)
	case *RedeemRequest:
		if r == nil {
			return call{}, fmt.Errorf("%w: nil request", ErrInvalidRequest)
		}
		return prepareRedeem(*r)
	default:
		return call{}, fmt.Errorf("%w: unsupported request %T", ErrInvalidRequest, req)
	}
}

func prepareMint(r MintRequest) (call, error) {
	raw := strings.TrimSpace(r.Recipient)
	if !common.IsHexAddress(raw) {
		return call{}, fmt.Errorf("%w: recipient %q is not an address", ErrInvalidRequest, r.Recipient)
	}
	recipient := common.HexToAddress(raw)
	if recipient == (common.Address{}) {
		return call{}, fmt.Errorf("%w: recipient is the zero address", ErrInvalidRequest)
	}
	userID, err := ParseUint256(r.ExternalUserID)
	if err != nil {
		return call{}, fmt.Errorf("external user id: %w", err)
	}
	policy := r.Policy
	attrs := []slog.Attr{slog.String("recipient", recipient.Hex())}
	if len(r.Metadata) > 0 {
		attrs = append(attrs, slog.Int("metadata_fields", len(r.Metadata)))
	}
	return call{
		action: r.Action(),
		attrs:  attrs,
		run: func(ctx context.Context, exec Executor) (common.Hash, error) {
			return exec.Mint(ctx, recipient, userID, policy)
		},
	}, nil
}

func prepareRedeem(r RedeemRequest) (call, error) {
	tokenID, err := ParseUint256(r.TokenID)
	if err != nil {
		return call{}, fmt.Errorf("token id: %w", err)
	}
	if strings.TrimSpace(r.Content) == "" {
		return call{}, fmt.Errorf("%w: content required", ErrInvalidRequest)
	}
	content := r.Content
	return call{
		action: r.Action(),
		attrs:  []slog.Attr{slog.String("token_id", tokenID.String())},
		run: func(ctx context.Context, exec Executor) (common.Hash, error) {
			return exec.Redeem(ctx, tokenID, content)
		},
	}, nil
}

// ParseUint256 accepts a decimal or 0x-prefixed hex string that fits in 256 bits.
func ParseUint256(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty integer", ErrInvalidRequest)
	}
	var (
		value *uint256.Int
		err   error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		value, err = uint256.FromHex(trimmed)
	} else {
		value, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRequest, raw, err)
	}
	return value.ToBig(), nil
}
