package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrAlreadyExists is returned when a write would replace a record that must be unique.
	ErrAlreadyExists = errors.New("store: record already exists")
)

// AccessTokens is an OAuth token pair issued by the social platform.
type AccessTokens struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
}

// Empty reports whether the pair carries no usable credentials.
func (t AccessTokens) Empty() bool {
	return strings.TrimSpace(t.Token) == "" || strings.TrimSpace(t.Secret) == ""
}

// User links a wallet address to a social identity. Users are written by the auth layer;
// the bridge only reads them.
type User struct {
	Address      string        `json:"address"`
	ExternalID   string        `json:"externalId,omitempty"`
	AccessTokens *AccessTokens `json:"accessTokens,omitempty"`
	OAuthTokens  AccessTokens  `json:"oauthTokens"`
}

// PendingMint tracks a submitted mint transaction until its finalization event arrives.
type PendingMint struct {
	OwnerKey      string `json:"ownerKey"`
	InternalNftID string `json:"nftId"`
}

// NftRecord is a minted token owned by a tracked user, keyed by internal id.
type NftRecord struct {
	OwnerKey string `json:"ownerKey"`
	TokenID  string `json:"tokenId"`
}

// Session binds a browser session to a social identity and wallet.
type Session struct {
	ExternalID string `json:"externalId"`
	Address    string `json:"address"`
}

// Store owns all mutable bridge state. Implementations must be safe for concurrent use and
// every mutation must be atomic with respect to concurrent calls on the same key.
type Store interface {
	AddUser(ctx context.Context, address string, user User) error
	GetUserByAddress(ctx context.Context, address string) (User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)

	// AddPendingMint registers a mint submission. A second registration for the same
	// transaction id fails with ErrAlreadyExists.
	AddPendingMint(ctx context.Context, txID string, pending PendingMint) error
	GetPendingMint(ctx context.Context, txID string) (PendingMint, error)
	// PromotePendingMint consumes the pending mint for txID and records the minted token,
	// returning the internal nft id. Exactly one call per txID succeeds; later calls fail
	// with ErrNotFound.
	PromotePendingMint(ctx context.Context, txID, tokenID string) (string, error)

	// NftIDInUse reports whether nftID is held by a pending mint or a minted token.
	NftIDInUse(ctx context.Context, nftID string) (bool, error)
	GetNft(ctx context.Context, nftID string) (NftRecord, error)
	GetNftByToken(ctx context.Context, tokenID string) (string, NftRecord, error)
	DeleteNft(ctx context.Context, nftID string) error
	DeleteNftByToken(ctx context.Context, tokenID string) error

	AddContentLink(ctx context.Context, tokenID, postID string) error
	GetContentLink(ctx context.Context, tokenID string) (string, error)

	AddSession(ctx context.Context, session Session) (string, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)

	// Snapshot copies the full state. Restore replaces the full state with snap.
	Snapshot(ctx context.Context) (Snapshot, error)
	Restore(ctx context.Context, snap Snapshot) error
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// NormalizeAddress lower-cases a hex address so lookups do not depend on checksum casing.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// NormalizeTxID canonicalises a transaction hash to 0x-prefixed lower-case hex.
func NormalizeTxID(txID string) string {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(txID), "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}
