package nft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"nftbridge/actions"
	"nftbridge/store"
)

var (
	// ErrUnknownUser is returned when a mint is requested for an address with no linked account.
	ErrUnknownUser = errors.New("nft: user not registered")
	// ErrUnknownNft is returned when a redeem references an nft that is not tracked.
	ErrUnknownNft = errors.New("nft: nft not found")
	// ErrNftIDInUse is returned when a mint reuses an internal id that is pending or minted.
	ErrNftIDInUse = errors.New("nft: nft id already in use")
)

// Submitter hands a request to the transaction queue and waits for its id.
type Submitter interface {
	Submit(ctx context.Context, req actions.Request) (string, error)
}

// MintOrder asks for a token to be minted to a registered wallet.
type MintOrder struct {
	Address string
	// NftID is the caller's internal id for the token; one is generated when empty.
	NftID    string
	Policy   string
	Metadata map[string]string
}

// MintReceipt identifies a submitted mint.
type MintReceipt struct {
	TxID  string
	NftID string
}

// Service implements the request side of the bridge: it turns user requests into queued
// contract calls and records what the event handlers later need.
type Service struct {
	store     store.Store
	queue     Submitter
	moderator Moderator

	// ids of mints between the in-use check and pending registration
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService constructs the request-side service.
func NewService(st store.Store, queue Submitter, moderator Moderator) *Service {
	return &Service{store: st, queue: queue, moderator: moderator, inFlight: make(map[string]struct{})}
}

func (s *Service) reserve(ctx context.Context, nftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[nftID]; busy {
		return fmt.Errorf("%w: %s", ErrNftIDInUse, nftID)
	}
	inUse, err := s.store.NftIDInUse(ctx, nftID)
	if err != nil {
		return fmt.Errorf("nft: check nft id: %w", err)
	}
	if inUse {
		return fmt.Errorf("%w: %s", ErrNftIDInUse, nftID)
	}
	s.inFlight[nftID] = struct{}{}
	return nil
}

func (s *Service) release(nftID string) {
	s.mu.Lock()
	delete(s.inFlight, nftID)
	s.mu.Unlock()
}

// Mint submits a mint for the user linked to order.Address and registers the pending mint
// under the returned transaction id.
func (s *Service) Mint(ctx context.Context, order MintOrder) (MintReceipt, error) {
	address := store.NormalizeAddress(order.Address)
	user, err := s.store.GetUserByAddress(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return MintReceipt{}, fmt.Errorf("%w: %s", ErrUnknownUser, address)
	}
	if err != nil {
		return MintReceipt{}, fmt.Errorf("nft: load user: %w", err)
	}
	if strings.TrimSpace(user.ExternalID) == "" {
		return MintReceipt{}, fmt.Errorf("%w: %s has no linked social account", ErrUnknownUser, address)
	}

	nftID := strings.TrimSpace(order.NftID)
	if nftID == "" {
		nftID = uuid.NewString()
	}
	if err := s.reserve(ctx, nftID); err != nil {
		return MintReceipt{}, err
	}
	defer s.release(nftID)
	txID, err := s.queue.Submit(ctx, actions.MintRequest{
		Recipient:      address,
		ExternalUserID: user.ExternalID,
		Policy:         order.Policy,
		Metadata:       order.Metadata,
	})
	if err != nil {
		return MintReceipt{}, err
	}
	if err := s.store.AddPendingMint(ctx, txID, store.PendingMint{OwnerKey: address, InternalNftID: nftID}); err != nil {
		return MintReceipt{}, fmt.Errorf("nft: register pending mint %s: %w", txID, err)
	}
	return MintReceipt{TxID: txID, NftID: nftID}, nil
}

// Redeem submits a redemption of a tracked nft for a post of content.
func (s *Service) Redeem(ctx context.Context, nftID, content string) (string, error) {
	record, err := s.store.GetNft(ctx, strings.TrimSpace(nftID))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownNft, nftID)
	}
	if err != nil {
		return "", fmt.Errorf("nft: load nft: %w", err)
	}
	return s.queue.Submit(ctx, actions.RedeemRequest{TokenID: record.TokenID, Content: content})
}

// CheckContent runs moderation without submitting anything.
func (s *Service) CheckContent(ctx context.Context, content, policy string) (bool, error) {
	if s.moderator == nil {
		return false, fmt.Errorf("nft: no moderator configured")
	}
	return s.moderator.Check(ctx, content, policy)
}

// ContentLink returns the post created by redeeming tokenID.
func (s *Service) ContentLink(ctx context.Context, tokenID string) (string, error) {
	return s.store.GetContentLink(ctx, tokenID)
}
