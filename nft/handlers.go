package nft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"nftbridge/chain"
	"nftbridge/observability"
	"nftbridge/store"
)

var (
	// ErrMissingTransactionID is returned when a finalization log carries no transaction hash.
	ErrMissingTransactionID = errors.New("nft: transaction id missing")
	// ErrMissingCredentials is returned when a linked user has no usable access tokens.
	ErrMissingCredentials = errors.New("nft: user has no access tokens")
)

// Handlers applies contract events to the store, the ledger and the social platform.
type Handlers struct {
	store     store.Store
	moderator Moderator
	poster    Poster
	media     MediaFetcher
	ledger    Ledger
	logger    *slog.Logger
	metrics   *observability.BridgeMetrics
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithLedger sets the external ledger. Without one ledger writes are dropped.
func WithLedger(ledger Ledger) HandlerOption {
	return func(h *Handlers) {
		if ledger != nil {
			h.ledger = ledger
		}
	}
}

// WithMediaFetcher enables media attachments in redeem content.
func WithMediaFetcher(media MediaFetcher) HandlerOption {
	return func(h *Handlers) {
		h.media = media
	}
}

// WithHandlerLogger overrides the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerMetrics records post outcomes.
func WithHandlerMetrics(metrics *observability.BridgeMetrics) HandlerOption {
	return func(h *Handlers) {
		h.metrics = metrics
	}
}

// NewHandlers wires the event handlers to their collaborators.
func NewHandlers(st store.Store, moderator Moderator, poster Poster, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		store:     st,
		moderator: moderator,
		poster:    poster,
		ledger:    NopLedger{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Handle routes an event to its handler.
func (h *Handlers) Handle(ctx context.Context, event chain.Event, txHash *common.Hash) error {
	switch e := event.(type) {
	case chain.TokenFinalized:
		return h.tokenFinalized(ctx, e, txHash)
	case chain.RedeemRequested:
		return h.redeemRequested(ctx, e)
	case chain.OwnershipTransferred:
		return h.ownershipTransferred(ctx, e)
	default:
		return nil
	}
}

func (h *Handlers) tokenFinalized(ctx context.Context, e chain.TokenFinalized, txHash *common.Hash) error {
	if txHash == nil {
		return ErrMissingTransactionID
	}
	txID := strings.ToLower(txHash.Hex())
	tokenID := e.TokenID.String()

	nftID, err := h.store.PromotePendingMint(ctx, txID, tokenID)
	if err != nil {
		return fmt.Errorf("nft: promote pending mint %s: %w", txID, err)
	}
	if err := h.ledger.SetTokenID(ctx, nftID, tokenID); err != nil {
		return fmt.Errorf("nft: ledger set token id: %w", err)
	}
	h.logger.InfoContext(ctx, "token minted",
		slog.String("nft_id", nftID),
		slog.String("token_id", tokenID),
		slog.String("recipient", e.Recipient.Hex()))
	return nil
}

func (h *Handlers) redeemRequested(ctx context.Context, e chain.RedeemRequested) error {
	tokenID := e.TokenID.String()

	safe, err := h.moderator.Check(ctx, e.Content, e.Policy)
	if err != nil {
		return fmt.Errorf("nft: moderation: %w", err)
	}
	if !safe {
		h.logger.InfoContext(ctx, "redeem rejected by moderation", slog.String("token_id", tokenID))
		return nil
	}

	content := ParseContent(e.Content)
	postID := ""

	externalID := e.ExternalUserID.String()
	user, err := h.store.GetUserByExternalID(ctx, externalID)
	switch {
	case err == nil:
		postID, err = h.post(ctx, user, content)
		if err != nil {
			return err
		}
		if err := h.store.AddContentLink(ctx, tokenID, postID); err != nil {
			return fmt.Errorf("nft: record content link: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		h.logger.WarnContext(ctx, "redeeming account is not linked; skipping post",
			slog.String("token_id", tokenID))
	default:
		return fmt.Errorf("nft: load user: %w", err)
	}

	if err := h.ledger.RecordRedemption(ctx, Redemption{
		TokenID: tokenID,
		Text:    content.Text,
		Policy:  e.Policy,
		PostID:  postID,
	}); err != nil {
		return fmt.Errorf("nft: ledger record redemption: %w", err)
	}
	if err := h.store.DeleteNftByToken(ctx, tokenID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("nft: delete redeemed token: %w", err)
	}
	h.logger.InfoContext(ctx, "token redeemed",
		slog.String("token_id", tokenID),
		slog.String("post_id", postID))
	return nil
}

func (h *Handlers) post(ctx context.Context, user store.User, content Content) (string, error) {
	if user.AccessTokens == nil || user.AccessTokens.Empty() {
		return "", ErrMissingCredentials
	}
	if h.poster == nil {
		return "", fmt.Errorf("nft: no poster configured")
	}
	creds := *user.AccessTokens

	var mediaIDs []string
	if content.MediaURL != "" {
		if h.media == nil {
			return "", fmt.Errorf("nft: media attachments not supported")
		}
		blob, err := h.media.FetchMedia(ctx, content.MediaURL)
		if err != nil {
			return "", fmt.Errorf("nft: fetch media: %w", err)
		}
		mediaID, err := h.poster.UploadMedia(ctx, creds, blob)
		if err != nil {
			return "", fmt.Errorf("nft: upload media: %w", err)
		}
		mediaIDs = append(mediaIDs, mediaID)
	}

	postID, err := h.poster.Post(ctx, creds, content.Text, mediaIDs)
	h.metrics.RecordPost(err)
	if err != nil {
		return "", fmt.Errorf("nft: post: %w", err)
	}
	return postID, nil
}

func (h *Handlers) ownershipTransferred(ctx context.Context, e chain.OwnershipTransferred) error {
	tokenID := e.TokenID.String()
	switch {
	case e.IsMint():
		// finalization handles mints
		return nil
	case e.IsBurn():
		if err := h.store.DeleteNftByToken(ctx, tokenID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("nft: delete burned token: %w", err)
		}
		if err := h.ledger.DeleteToken(ctx, tokenID); err != nil {
			return fmt.Errorf("nft: ledger delete token: %w", err)
		}
		h.logger.InfoContext(ctx, "token burned", slog.String("token_id", tokenID))
		return nil
	default:
		owner := store.NormalizeAddress(e.To.Hex())
		if err := h.ledger.UpdateTokenOwner(ctx, tokenID, owner); err != nil {
			return fmt.Errorf("nft: ledger update owner: %w", err)
		}
		h.logger.InfoContext(ctx, "token transferred",
			slog.String("token_id", tokenID),
			slog.String("from", e.From.Hex()),
			slog.String("to", e.To.Hex()))
		return nil
	}
}
