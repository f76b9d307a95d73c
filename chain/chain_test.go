package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")

func eventID(t *testing.T, name string) common.Hash {
	t.Helper()
	parsed, err := ParsedABI()
	require.NoError(t, err)
	return parsed.Events[name].ID
}

func tokenFinalizedLog(t *testing.T, tokenID int64, recipient common.Address, tx common.Hash) types.Log {
	return types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			eventID(t, eventTokenFinalized),
			common.BigToHash(big.NewInt(tokenID)),
			common.BytesToHash(recipient.Bytes()),
		},
		TxHash:      tx,
		BlockNumber: 10,
	}
}

func redeemLog(t *testing.T, tokenID, userID int64, content, policy string) types.Log {
	t.Helper()
	parsed, err := ParsedABI()
	require.NoError(t, err)
	data, err := parsed.Events[eventRedeemRequested].Inputs.NonIndexed().Pack(big.NewInt(userID), content, policy)
	require.NoError(t, err)
	return types.Log{
		Address: contractAddr,
		Topics:  []common.Hash{eventID(t, eventRedeemRequested), common.BigToHash(big.NewInt(tokenID))},
		Data:    data,
		TxHash:  common.HexToHash("0x02"),
	}
}

func transferLog(t *testing.T, from, to common.Address, tokenID int64) types.Log {
	return types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			eventID(t, eventTransfer),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
		TxHash: common.HexToHash("0x03"),
	}
}

func TestDecodeEvents(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	event, err := Decode(tokenFinalizedLog(t, 42, recipient, common.HexToHash("0x01")))
	require.NoError(t, err)
	finalized, ok := event.(TokenFinalized)
	require.True(t, ok)
	require.Equal(t, int64(42), finalized.TokenID.Int64())
	require.Equal(t, recipient, finalized.Recipient)
	require.Equal(t, KindTokenFinalized, finalized.Kind())

	event, err = Decode(redeemLog(t, 7, 99, "hello", "no spam"))
	require.NoError(t, err)
	redeem, ok := event.(RedeemRequested)
	require.True(t, ok)
	require.Equal(t, int64(7), redeem.TokenID.Int64())
	require.Equal(t, int64(99), redeem.ExternalUserID.Int64())
	require.Equal(t, "hello", redeem.Content)
	require.Equal(t, "no spam", redeem.Policy)

	event, err = Decode(transferLog(t, common.Address{}, recipient, 5))
	require.NoError(t, err)
	transfer, ok := event.(OwnershipTransferred)
	require.True(t, ok)
	require.True(t, transfer.IsMint())
	require.False(t, transfer.IsBurn())
	require.Equal(t, int64(5), transfer.TokenID.Int64())
}

func TestDecodeSkipsOtherEvents(t *testing.T) {
	approval := types.Log{Topics: []common.Hash{
		eventID(t, "Approval"),
		common.BytesToHash(common.HexToAddress("0x01").Bytes()),
		common.BytesToHash(common.HexToAddress("0x02").Bytes()),
		common.BigToHash(big.NewInt(1)),
	}}
	_, err := Decode(approval)
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Other()"))}})
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode(types.Log{})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeMalformed(t *testing.T) {
	// ERC-20 style transfer: the amount is not indexed.
	erc20 := transferLog(t, common.HexToAddress("0x01"), common.HexToAddress("0x02"), 1)
	erc20.Topics = erc20.Topics[:3]
	_, err := Decode(erc20)
	require.ErrorIs(t, err, ErrMalformedLog)

	bad := redeemLog(t, 1, 1, "x", "y")
	bad.Data = []byte{0x01, 0x02}
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrMalformedLog)
}

type fakeSubscription struct {
	errc chan error
	once sync.Once
}

func (s *fakeSubscription) Err() <-chan error { return s.errc }

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errc) })
}

type fakeLogSource struct {
	head    uint64
	headErr error
	query   ethereum.FilterQuery
	logs    chan<- types.Log
	sub     *fakeSubscription
}

func (f *fakeLogSource) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeLogSource) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.query = q
	f.logs = ch
	f.sub = &fakeSubscription{errc: make(chan error, 1)}
	return f.sub, nil
}

func TestStreamSkipsAndYields(t *testing.T) {
	source := &fakeLogSource{head: 77}
	stream, err := NewSubscriber(source, contractAddr).Subscribe(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	require.Equal(t, []common.Address{contractAddr}, source.query.Addresses)
	require.Equal(t, uint64(77), source.query.FromBlock.Uint64())

	removed := tokenFinalizedLog(t, 1, common.HexToAddress("0x0a"), common.HexToHash("0xaa"))
	removed.Removed = true
	malformed := redeemLog(t, 1, 1, "x", "y")
	malformed.Data = []byte{0xff}
	tx := common.HexToHash("0xbeef")

	source.logs <- types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Other()"))}}
	source.logs <- removed
	source.logs <- malformed
	source.logs <- tokenFinalizedLog(t, 3, common.HexToAddress("0x0b"), tx)
	source.logs <- tokenFinalizedLog(t, 4, common.HexToAddress("0x0b"), common.Hash{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.TxHash)
	require.Equal(t, tx, *got.TxHash)
	require.Equal(t, int64(3), got.Event.(TokenFinalized).TokenID.Int64())

	got, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, got.TxHash)
}

func TestStreamNotRestartable(t *testing.T) {
	source := &fakeLogSource{}
	stream, err := NewSubscriber(source, contractAddr).Subscribe(context.Background())
	require.NoError(t, err)

	boom := errors.New("connection reset")
	source.sub.errc <- boom

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestStreamClose(t *testing.T) {
	source := &fakeLogSource{}
	stream, err := NewSubscriber(source, contractAddr).Subscribe(context.Background())
	require.NoError(t, err)

	stream.Close()
	stream.Close()
	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestSubscribeSetupFailure(t *testing.T) {
	source := &fakeLogSource{headErr: errors.New("dial refused")}
	_, err := NewSubscriber(source, contractAddr).Subscribe(context.Background())
	require.Error(t, err)
}

func TestStreamHonoursContext(t *testing.T) {
	source := &fakeLogSource{}
	stream, err := NewSubscriber(source, contractAddr).Subscribe(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

type fakeBackend struct {
	chainID  *big.Int
	baseFee  *big.Int
	nonce    uint64
	sendErr  error
	sent     []*types.Transaction
	nonceHit int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.nonceHit++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	return nil
}

func TestTransactorTracksNonce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{chainID: big.NewInt(1337), baseFee: big.NewInt(1_000_000_000), nonce: 5}

	tx, err := NewTransactor(context.Background(), backend, contractAddr, key)
	require.NoError(t, err)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var hashes []common.Hash
	for i := 0; i < 3; i++ {
		hash, err := tx.Mint(context.Background(), recipient, big.NewInt(9), "policy")
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	require.Equal(t, 1, backend.nonceHit)
	require.Len(t, backend.sent, 3)

	signer := types.LatestSignerForChainID(big.NewInt(1337))
	for i, sent := range backend.sent {
		require.Equal(t, uint64(5+i), sent.Nonce())
		require.Equal(t, hashes[i], sent.Hash())
		require.Equal(t, uint64(120_000), sent.Gas())
		require.Equal(t, uint8(types.DynamicFeeTxType), sent.Type())
		sender, err := types.Sender(signer, sent)
		require.NoError(t, err)
		require.Equal(t, tx.From(), sender)
	}

	parsed, err := ParsedABI()
	require.NoError(t, err)
	method := parsed.Methods[methodMint]
	require.Equal(t, method.ID, backend.sent[0].Data()[:4])
	args, err := method.Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, recipient, args[0])
	require.Equal(t, int64(9), args[1].(*big.Int).Int64())
	require.Equal(t, "policy", args[2])
}

func TestTransactorResyncsNonceAfterFailure(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{chainID: big.NewInt(1), baseFee: big.NewInt(1), nonce: 3}
	tx, err := NewTransactor(context.Background(), backend, contractAddr, key)
	require.NoError(t, err)

	backend.sendErr = errors.New("nonce too low")
	_, err = tx.Redeem(context.Background(), big.NewInt(1), "hi")
	require.Error(t, err)

	backend.sendErr = nil
	backend.nonce = 8
	_, err = tx.Redeem(context.Background(), big.NewInt(1), "hi")
	require.NoError(t, err)
	require.Equal(t, 2, backend.nonceHit)
	require.Equal(t, uint64(8), backend.sent[0].Nonce())

	parsed, err := ParsedABI()
	require.NoError(t, err)
	args, err := parsed.Methods[methodRedeem].Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, int64(1), args[0].(*big.Int).Int64())
	require.Equal(t, "hi", args[1])
	require.Equal(t, uint8(0), args[2])
}

func TestTransactorLegacyFees(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{chainID: big.NewInt(1)}
	tx, err := NewTransactor(context.Background(), backend, contractAddr, key, WithGasMargin(0))
	require.NoError(t, err)

	_, err = tx.Redeem(context.Background(), big.NewInt(2), "x")
	require.NoError(t, err)
	require.Equal(t, uint8(types.LegacyTxType), backend.sent[0].Type())
	require.Equal(t, uint64(100_000), backend.sent[0].Gas())
}
