package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"nftbridge/observability"
)

// ErrStreamClosed is returned by Next once the subscription has been torn down.
var ErrStreamClosed = errors.New("chain: log stream closed")

// LogSource defines the subset of the Ethereum RPC used by the subscriber.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Dial connects to an Ethereum node. Log subscriptions require a websocket or IPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	return client, nil
}

// Log is a decoded event together with its position on chain.
type Log struct {
	Event       Event
	TxHash      *common.Hash
	BlockNumber uint64
	Index       uint
}

// Subscriber installs log filters for the NFT contract.
type Subscriber struct {
	source   LogSource
	contract common.Address
	buffer   int
	logger   *slog.Logger
	metrics  *observability.EventMetrics
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithLogBuffer sets the capacity of the raw log channel handed to the node client.
func WithLogBuffer(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithSubscriberLogger overrides the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSubscriberMetrics records skipped logs and subscription state.
func WithSubscriberMetrics(metrics *observability.EventMetrics) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = metrics
	}
}

// NewSubscriber constructs a subscriber for the contract at the given address.
func NewSubscriber(source LogSource, contract common.Address, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		source:   source,
		contract: contract,
		buffer:   128,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Subscribe starts streaming contract logs from the current head onwards. Nothing before the
// head is replayed.
func (s *Subscriber) Subscribe(ctx context.Context) (*Stream, error) {
	if s == nil || s.source == nil {
		return nil, fmt.Errorf("chain: subscriber not initialised")
	}
	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.contract},
		FromBlock: new(big.Int).SetUint64(head),
	}
	logs := make(chan types.Log, s.buffer)
	sub, err := s.source.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("chain: subscribe logs: %w", err)
	}
	s.metrics.SetSubscriptionActive(true)
	s.logger.Info("contract log subscription installed",
		slog.String("contract", s.contract.Hex()),
		slog.Uint64("from_block", head))
	return &Stream{sub: sub, logs: logs, logger: s.logger, metrics: s.metrics}, nil
}

// Stream yields decoded logs. It is not restartable: once the underlying subscription fails
// every call to Next returns the same error and the caller must subscribe again.
type Stream struct {
	sub     ethereum.Subscription
	logs    chan types.Log
	logger  *slog.Logger
	metrics *observability.EventMetrics

	err       error
	closeOnce sync.Once
}

// Next blocks until the next decodable contract log arrives. Logs of other events, logs that
// fail to decode and logs removed by a reorg are skipped.
func (s *Stream) Next(ctx context.Context) (Log, error) {
	if s.err != nil {
		return Log{}, s.err
	}
	for {
		select {
		case <-ctx.Done():
			return Log{}, ctx.Err()
		case err, ok := <-s.sub.Err():
			if !ok || err == nil {
				s.err = ErrStreamClosed
			} else {
				s.err = fmt.Errorf("chain: subscription failed: %w", err)
			}
			s.metrics.SetSubscriptionActive(false)
			return Log{}, s.err
		case raw := <-s.logs:
			if raw.Removed {
				s.metrics.RecordSkipped("removed")
				continue
			}
			event, err := Decode(raw)
			if err != nil {
				reason := "malformed"
				if errors.Is(err, ErrUnknownEvent) {
					reason = "unknown"
				} else {
					s.logger.Debug("skipping undecodable log",
						slog.String("tx_hash", raw.TxHash.Hex()),
						slog.Any("error", err))
				}
				s.metrics.RecordSkipped(reason)
				continue
			}
			out := Log{Event: event, BlockNumber: raw.BlockNumber, Index: raw.Index}
			if raw.TxHash != (common.Hash{}) {
				hash := raw.TxHash
				out.TxHash = &hash
			}
			return out, nil
		}
	}
}

// Close tears down the subscription. Pending and future Next calls return ErrStreamClosed.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.sub.Unsubscribe()
		s.metrics.SetSubscriptionActive(false)
	})
}
