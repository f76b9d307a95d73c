package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// redeemKindPost is the only redemption kind the bridge submits.
const redeemKindPost uint8 = 0

// Backend defines the subset of the Ethereum RPC used to build and submit transactions.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Transactor signs and submits contract calls with the custodial key. It tracks the account
// nonce locally and must only be used from a single goroutine.
type Transactor struct {
	backend  Backend
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	logger   *slog.Logger

	gasMarginPercent uint64

	nonce      uint64
	nonceKnown bool
}

// TransactorOption configures a Transactor.
type TransactorOption func(*Transactor)

// WithGasMargin pads gas estimates by the given percentage.
func WithGasMargin(percent uint64) TransactorOption {
	return func(t *Transactor) {
		t.gasMarginPercent = percent
	}
}

// WithTransactorLogger overrides the logger.
func WithTransactorLogger(logger *slog.Logger) TransactorOption {
	return func(t *Transactor) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransactor resolves the chain id and prepares a signer for the contract.
func NewTransactor(ctx context.Context, backend Backend, contract common.Address, key *ecdsa.PrivateKey, opts ...TransactorOption) (*Transactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("chain: signer key required")
	}
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("chain: contract address required")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}
	t := &Transactor{
		backend:          backend,
		contract:         contract,
		key:              key,
		from:             crypto.PubkeyToAddress(key.PublicKey),
		signer:           types.LatestSignerForChainID(chainID),
		logger:           slog.Default(),
		gasMarginPercent: 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// From returns the custodial account address.
func (t *Transactor) From() common.Address { return t.from }

// Mint submits mintTo(recipient, externalUserId, policy).
func (t *Transactor) Mint(ctx context.Context, recipient common.Address, externalUserID *big.Int, policy string) (common.Hash, error) {
	if externalUserID == nil {
		externalUserID = new(big.Int)
	}
	data, err := mustABI().Pack(methodMint, recipient, externalUserID, policy)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", methodMint, err)
	}
	return t.send(ctx, data)
}

// Redeem submits redeem(tokenId, content, 0).
func (t *Transactor) Redeem(ctx context.Context, tokenID *big.Int, content string) (common.Hash, error) {
	if tokenID == nil {
		return common.Hash{}, errors.New("chain: token id required")
	}
	data, err := mustABI().Pack(methodRedeem, tokenID, content, redeemKindPost)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", methodRedeem, err)
	}
	return t.send(ctx, data)
}

func (t *Transactor) send(ctx context.Context, data []byte) (common.Hash, error) {
	if !t.nonceKnown {
		nonce, err := t.backend.PendingNonceAt(ctx, t.from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: fetch nonce: %w", err)
		}
		t.nonce = nonce
		t.nonceKnown = true
	}

	tx, err := t.build(ctx, t.nonce, data)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := types.SignTx(tx, t.signer, t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign transaction: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		// The node's view of the nonce is authoritative after a rejected send.
		t.nonceKnown = false
		return common.Hash{}, fmt.Errorf("chain: send transaction: %w", err)
	}
	t.nonce++
	t.logger.Debug("transaction submitted",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", signed.Nonce()))
	return signed.Hash(), nil
}

func (t *Transactor) build(ctx context.Context, nonce uint64, data []byte) (*types.Transaction, error) {
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	to := t.contract

	if head == nil || head.BaseFee == nil {
		gasPrice, err := t.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: suggest gas price: %w", err)
		}
		gas, err := t.estimate(ctx, ethereum.CallMsg{From: t.from, To: &to, GasPrice: gasPrice, Data: data})
		if err != nil {
			return nil, err
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    new(big.Int),
			Data:     data,
		}), nil
	}

	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	gas, err := t.estimate(ctx, ethereum.CallMsg{From: t.from, To: &to, GasTipCap: tip, GasFeeCap: feeCap, Data: data})
	if err != nil {
		return nil, err
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}), nil
}

func (t *Transactor) estimate(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := t.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas: %w", err)
	}
	return gas + gas*t.gasMarginPercent/100, nil
}
