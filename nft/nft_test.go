package nft

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"nftbridge/actions"
	"nftbridge/chain"
	"nftbridge/store"
)

type fakeModerator struct {
	safe bool
	err  error
}

func (m fakeModerator) Check(context.Context, string, string) (bool, error) {
	return m.safe, m.err
}

type sentPost struct {
	creds    store.AccessTokens
	text     string
	mediaIDs []string
}

type fakePoster struct {
	mu      sync.Mutex
	posts   []sentPost
	uploads [][]byte
}

func (p *fakePoster) Post(_ context.Context, creds store.AccessTokens, text string, mediaIDs []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, sentPost{creds: creds, text: text, mediaIDs: mediaIDs})
	return "post-1", nil
}

func (p *fakePoster) UploadMedia(_ context.Context, _ store.AccessTokens, media []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, media)
	return "media-1", nil
}

type fakeMedia map[string][]byte

func (m fakeMedia) FetchMedia(_ context.Context, url string) ([]byte, error) {
	blob, ok := m[url]
	if !ok {
		return nil, errors.New("404")
	}
	return blob, nil
}

type fakeLedger struct {
	mu          sync.Mutex
	tokenIDs    map[string]string
	redemptions []Redemption
	deleted     []string
	owners      map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tokenIDs: map[string]string{}, owners: map[string]string{}}
}

func (l *fakeLedger) SetTokenID(_ context.Context, nftID, tokenID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokenIDs[nftID] = tokenID
	return nil
}

func (l *fakeLedger) RecordRedemption(_ context.Context, r Redemption) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redemptions = append(l.redemptions, r)
	return nil
}

func (l *fakeLedger) DeleteToken(_ context.Context, tokenID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, tokenID)
	return nil
}

func (l *fakeLedger) UpdateTokenOwner(_ context.Context, tokenID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[tokenID] = owner
	return nil
}

const (
	owner      = "0x00000000000000000000000000000000000000aa"
	externalID = "1001"
)

type fixture struct {
	store  *store.MemoryStore
	poster *fakePoster
	ledger *fakeLedger
}

func newFixture(t *testing.T, safe bool) (*fixture, *Handlers) {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), poster: &fakePoster{}, ledger: newFakeLedger()}
	require.NoError(t, f.store.AddUser(context.Background(), owner, store.User{
		Address:      owner,
		ExternalID:   externalID,
		AccessTokens: &store.AccessTokens{Token: "tok", Secret: "sec"},
	}))
	h := NewHandlers(f.store, fakeModerator{safe: safe}, f.poster,
		WithLedger(f.ledger),
		WithMediaFetcher(fakeMedia{"https://cdn.example/cat.png": []byte("png")}))
	return f, h
}

func (f *fixture) mintTracked(t *testing.T, txID, nftID, tokenID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.AddPendingMint(ctx, txID, store.PendingMint{OwnerKey: owner, InternalNftID: nftID}))
	_, err := f.store.PromotePendingMint(ctx, txID, tokenID)
	require.NoError(t, err)
}

func redeemEvent(tokenID int64, content string) chain.RedeemRequested {
	userID, _ := new(big.Int).SetString(externalID, 10)
	return chain.RedeemRequested{TokenID: big.NewInt(tokenID), ExternalUserID: userID, Content: content, Policy: "be nice"}
}

func TestTokenFinalizedPromotesOnce(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	tx := common.HexToHash("0xABC")
	require.NoError(t, f.store.AddPendingMint(ctx, tx.Hex(), store.PendingMint{OwnerKey: owner, InternalNftID: "nft-1"}))

	event := chain.TokenFinalized{TokenID: big.NewInt(7), Recipient: common.HexToAddress(owner)}
	require.NoError(t, h.Handle(ctx, event, &tx))

	record, err := f.store.GetNft(ctx, "nft-1")
	require.NoError(t, err)
	require.Equal(t, "7", record.TokenID)
	require.Equal(t, owner, record.OwnerKey)
	_, err = f.store.GetPendingMint(ctx, tx.Hex())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, "7", f.ledger.tokenIDs["nft-1"])

	err = h.Handle(ctx, event, &tx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTokenFinalizedRequiresTxHash(t *testing.T) {
	_, h := newFixture(t, true)
	err := h.Handle(context.Background(), chain.TokenFinalized{TokenID: big.NewInt(1)}, nil)
	require.ErrorIs(t, err, ErrMissingTransactionID)
}

func TestRedeemPostsAndCleansUp(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	f.mintTracked(t, "0x01", "nft-5", "5")

	require.NoError(t, h.Handle(ctx, redeemEvent(5, "gm"), nil))

	require.Len(t, f.poster.posts, 1)
	require.Equal(t, "gm", f.poster.posts[0].text)
	require.Equal(t, store.AccessTokens{Token: "tok", Secret: "sec"}, f.poster.posts[0].creds)
	postID, err := f.store.GetContentLink(ctx, "5")
	require.NoError(t, err)
	require.Equal(t, "post-1", postID)
	_, err = f.store.GetNft(ctx, "nft-5")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, []Redemption{{TokenID: "5", Text: "gm", Policy: "be nice", PostID: "post-1"}}, f.ledger.redemptions)
}

func TestRedeemRejectedLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, false)
	f.mintTracked(t, "0x01", "nft-5", "5")

	require.NoError(t, h.Handle(ctx, redeemEvent(5, "spam"), nil))

	require.Empty(t, f.poster.posts)
	require.Empty(t, f.ledger.redemptions)
	_, err := f.store.GetContentLink(ctx, "5")
	require.ErrorIs(t, err, store.ErrNotFound)
	record, err := f.store.GetNft(ctx, "nft-5")
	require.NoError(t, err)
	require.Equal(t, "5", record.TokenID)
}

func TestRedeemModerationErrorPropagates(t *testing.T) {
	f := &fixture{store: store.NewMemoryStore(), poster: &fakePoster{}}
	h := NewHandlers(f.store, fakeModerator{err: errors.New("upstream 500")}, f.poster)
	err := h.Handle(context.Background(), redeemEvent(5, "x"), nil)
	require.ErrorContains(t, err, "upstream 500")
	require.Empty(t, f.poster.posts)
}

func TestRedeemWithMedia(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)

	content := `{"text":"look","media_url":"https://cdn.example/cat.png"}`
	require.NoError(t, h.Handle(ctx, redeemEvent(9, content), nil))

	require.Equal(t, [][]byte{[]byte("png")}, f.poster.uploads)
	require.Len(t, f.poster.posts, 1)
	require.Equal(t, "look", f.poster.posts[0].text)
	require.Equal(t, []string{"media-1"}, f.poster.posts[0].mediaIDs)
	require.Equal(t, "look", f.ledger.redemptions[0].Text)
}

func TestRedeemWithoutAccessTokens(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	require.NoError(t, f.store.AddUser(ctx, owner, store.User{Address: owner, ExternalID: externalID}))

	err := h.Handle(ctx, redeemEvent(5, "gm"), nil)
	require.ErrorIs(t, err, ErrMissingCredentials)
	_, err = f.store.GetContentLink(ctx, "5")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedeemUnlinkedAccountStillRecorded(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	event := redeemEvent(5, "gm")
	event.ExternalUserID = big.NewInt(42)

	require.NoError(t, h.Handle(ctx, event, nil))
	require.Empty(t, f.poster.posts)
	require.Equal(t, []Redemption{{TokenID: "5", Text: "gm", Policy: "be nice"}}, f.ledger.redemptions)
}

func TestTransferSemantics(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	f.mintTracked(t, "0x01", "nft-3", "3")
	other := common.HexToAddress("0x00000000000000000000000000000000000000BB")

	mint := chain.OwnershipTransferred{To: common.HexToAddress(owner), TokenID: big.NewInt(3)}
	require.NoError(t, h.Handle(ctx, mint, nil))
	_, err := f.store.GetNft(ctx, "nft-3")
	require.NoError(t, err)
	require.Empty(t, f.ledger.owners)

	move := chain.OwnershipTransferred{From: common.HexToAddress(owner), To: other, TokenID: big.NewInt(3)}
	require.NoError(t, h.Handle(ctx, move, nil))
	require.Equal(t, "0x00000000000000000000000000000000000000bb", f.ledger.owners["3"])
	_, err = f.store.GetNft(ctx, "nft-3")
	require.NoError(t, err)

	burn := chain.OwnershipTransferred{From: other, TokenID: big.NewInt(3)}
	require.NoError(t, h.Handle(ctx, burn, nil))
	_, err = f.store.GetNft(ctx, "nft-3")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, []string{"3"}, f.ledger.deleted)

	// burning an untracked token only touches the ledger
	require.NoError(t, h.Handle(ctx, chain.OwnershipTransferred{From: other, TokenID: big.NewInt(99)}, nil))
}

func TestParseContent(t *testing.T) {
	require.Equal(t, Content{Text: "hello"}, ParseContent("hello"))
	require.Equal(t, Content{Text: "hi", MediaURL: "https://x"}, ParseContent(`{"text":"hi","media_url":"https://x"}`))
	require.Equal(t, Content{Text: `{"media_url":"https://x"}`}, ParseContent(`{"media_url":"https://x"}`))
	require.Equal(t, Content{Text: "{not json"}, ParseContent("{not json"))
}

type handlerFunc func(ctx context.Context, event chain.Event, txHash *common.Hash) error

func (f handlerFunc) Handle(ctx context.Context, event chain.Event, txHash *common.Hash) error {
	return f(ctx, event, txHash)
}

type sliceStream struct {
	logs []chain.Log
	err  error
}

func (s *sliceStream) Next(ctx context.Context) (chain.Log, error) {
	if len(s.logs) == 0 {
		return chain.Log{}, s.err
	}
	next := s.logs[0]
	s.logs = s.logs[1:]
	return next, nil
}

func TestDispatcherSurvivesFailures(t *testing.T) {
	var mu sync.Mutex
	var handled []int64
	handler := handlerFunc(func(_ context.Context, event chain.Event, _ *common.Hash) error {
		id := event.(chain.TokenFinalized).TokenID.Int64()
		mu.Lock()
		handled = append(handled, id)
		mu.Unlock()
		switch id {
		case 1:
			return errors.New("boom")
		case 2:
			panic("worse")
		}
		return nil
	})

	streamErr := errors.New("subscription dropped")
	stream := &sliceStream{err: streamErr}
	for i := int64(1); i <= 4; i++ {
		stream.logs = append(stream.logs, chain.Log{Event: chain.TokenFinalized{TokenID: big.NewInt(i)}})
	}

	d := NewDispatcher(handler)
	err := d.Run(context.Background(), stream)
	require.ErrorIs(t, err, streamErr)
	d.Wait()
	require.ElementsMatch(t, []int64{1, 2, 3, 4}, handled)
}

func TestDispatcherDoesNotBlockOnSlowHandler(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{}, 2)
	handler := handlerFunc(func(_ context.Context, event chain.Event, _ *common.Hash) error {
		if event.(chain.TokenFinalized).TokenID.Int64() == 1 {
			<-release
		}
		finished <- struct{}{}
		return nil
	})

	d := NewDispatcher(handler)
	d.Dispatch(context.Background(), chain.TokenFinalized{TokenID: big.NewInt(1)}, nil)
	d.Dispatch(context.Background(), chain.TokenFinalized{TokenID: big.NewInt(2)}, nil)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler blocked behind the first")
	}
	close(release)
	d.Wait()
}

func TestDispatcherStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDispatcher(handlerFunc(func(context.Context, chain.Event, *common.Hash) error { return nil }))
	require.NoError(t, d.Run(ctx, &sliceStream{err: context.Canceled}))
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []actions.Request
	next     int
}

func (s *fakeSubmitter) Submit(_ context.Context, req actions.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.next++
	return common.BigToHash(big.NewInt(int64(s.next))).Hex(), nil
}

func TestServiceMintFinalizeRedeem(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	queue := &fakeSubmitter{}
	svc := NewService(f.store, queue, fakeModerator{safe: true})

	receipt, err := svc.Mint(ctx, MintOrder{Address: "0x00000000000000000000000000000000000000AA", NftID: "nft-8", Policy: "p"})
	require.NoError(t, err)
	require.Equal(t, "nft-8", receipt.NftID)
	require.Equal(t, actions.MintRequest{Recipient: owner, ExternalUserID: externalID, Policy: "p"}, queue.requests[0])

	pending, err := f.store.GetPendingMint(ctx, receipt.TxID)
	require.NoError(t, err)
	require.Equal(t, store.PendingMint{OwnerKey: owner, InternalNftID: "nft-8"}, pending)

	tx := common.HexToHash(receipt.TxID)
	require.NoError(t, h.Handle(ctx, chain.TokenFinalized{TokenID: big.NewInt(12), Recipient: common.HexToAddress(owner)}, &tx))

	_, err = svc.Redeem(ctx, "nft-8", "hello")
	require.NoError(t, err)
	require.Equal(t, actions.RedeemRequest{TokenID: "12", Content: "hello"}, queue.requests[1])

	require.NoError(t, h.Handle(ctx, redeemEvent(12, "hello"), nil))
	postID, err := svc.ContentLink(ctx, "12")
	require.NoError(t, err)
	require.Equal(t, "post-1", postID)
}

func TestServiceErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore(), &fakeSubmitter{}, fakeModerator{safe: false})

	_, err := svc.Mint(ctx, MintOrder{Address: owner})
	require.ErrorIs(t, err, ErrUnknownUser)
	_, err = svc.Redeem(ctx, "missing", "x")
	require.ErrorIs(t, err, ErrUnknownNft)

	safe, err := svc.CheckContent(ctx, "x", "p")
	require.NoError(t, err)
	require.False(t, safe)
}

func TestServiceGeneratesNftID(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, true)
	svc := NewService(f.store, &fakeSubmitter{}, nil)

	receipt, err := svc.Mint(ctx, MintOrder{Address: owner})
	require.NoError(t, err)
	require.Len(t, receipt.NftID, 36)
}

func TestServiceRejectsReusedNftID(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	queue := &fakeSubmitter{}
	svc := NewService(f.store, queue, nil)

	receipt, err := svc.Mint(ctx, MintOrder{Address: owner, NftID: "n1"})
	require.NoError(t, err)

	_, err = svc.Mint(ctx, MintOrder{Address: owner, NftID: "n1"})
	require.ErrorIs(t, err, ErrNftIDInUse)
	require.Len(t, queue.requests, 1)

	tx := common.HexToHash(receipt.TxID)
	require.NoError(t, h.Handle(ctx, chain.TokenFinalized{TokenID: big.NewInt(41), Recipient: common.HexToAddress(owner)}, &tx))
	_, err = svc.Mint(ctx, MintOrder{Address: owner, NftID: "n1"})
	require.ErrorIs(t, err, ErrNftIDInUse)
	require.Len(t, queue.requests, 1)
}

func TestFinalizeKeepsRecordsApartWhenInternalIDCollides(t *testing.T) {
	ctx := context.Background()
	f, h := newFixture(t, true)
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")
	require.NoError(t, f.store.AddPendingMint(ctx, first.Hex(), store.PendingMint{OwnerKey: owner, InternalNftID: "n1"}))
	require.NoError(t, f.store.AddPendingMint(ctx, second.Hex(), store.PendingMint{OwnerKey: owner, InternalNftID: "n1"}))

	require.NoError(t, h.Handle(ctx, chain.TokenFinalized{TokenID: big.NewInt(41), Recipient: common.HexToAddress(owner)}, &first))
	err := h.Handle(ctx, chain.TokenFinalized{TokenID: big.NewInt(42), Recipient: common.HexToAddress(owner)}, &second)
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	_, rec, err := f.store.GetNftByToken(ctx, "41")
	require.NoError(t, err)
	require.Equal(t, "41", rec.TokenID)

	require.NoError(t, h.Handle(ctx, chain.OwnershipTransferred{From: common.HexToAddress(owner), TokenID: big.NewInt(41)}, nil))
	_, _, err = f.store.GetNftByToken(ctx, "42")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetPendingMint(ctx, second.Hex())
	require.NoError(t, err)
}
