package store

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion is bumped whenever the envelope layout changes incompatibly.
const snapshotVersion = 1

// Snapshot is a full copy of the bridge state.
type Snapshot struct {
	Users        map[string]User        `json:"users"`
	PendingMints map[string]PendingMint `json:"pendingMints"`
	Nfts         map[string]NftRecord   `json:"nfts"`
	ContentLinks map[string]string      `json:"contentLinks"`
	Sessions     map[string]Session     `json:"sessions"`
}

// NewSnapshot returns an empty snapshot with all maps allocated.
func NewSnapshot() Snapshot {
	return Snapshot{
		Users:        make(map[string]User),
		PendingMints: make(map[string]PendingMint),
		Nfts:         make(map[string]NftRecord),
		ContentLinks: make(map[string]string),
		Sessions:     make(map[string]Session),
	}
}

func (s *Snapshot) fill() {
	if s.Users == nil {
		s.Users = make(map[string]User)
	}
	if s.PendingMints == nil {
		s.PendingMints = make(map[string]PendingMint)
	}
	if s.Nfts == nil {
		s.Nfts = make(map[string]NftRecord)
	}
	if s.ContentLinks == nil {
		s.ContentLinks = make(map[string]string)
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string]Session)
	}
}

type snapshotEnvelope struct {
	Version int      `json:"version"`
	State   Snapshot `json:"state"`
}

// Encode serialises a snapshot into an opaque blob.
func Encode(snap Snapshot) ([]byte, error) {
	snap.fill()
	data, err := json.Marshal(snapshotEnvelope{Version: snapshotVersion, State: snap})
	if err != nil {
		return nil, fmt.Errorf("store: encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("store: decode snapshot: %w", err)
	}
	if env.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("store: unsupported snapshot version %d", env.Version)
	}
	env.State.fill()
	return env.State, nil
}

// tokenIndex rebuilds the token id -> internal id index and rejects duplicate bindings.
func tokenIndex(nfts map[string]NftRecord) (map[string]string, error) {
	index := make(map[string]string, len(nfts))
	for id, nft := range nfts {
		if other, exists := index[nft.TokenID]; exists {
			return nil, fmt.Errorf("store: token %s bound to both %s and %s: %w", nft.TokenID, other, id, ErrAlreadyExists)
		}
		index[nft.TokenID] = id
	}
	return index, nil
}

// externalIndex maps each linked external id to its wallet. A snapshot linking one identity
// to two wallets is rejected.
func externalIndex(users map[string]User) (map[string]string, error) {
	index := make(map[string]string, len(users))
	for address, user := range users {
		if user.ExternalID == "" {
			continue
		}
		if other, exists := index[user.ExternalID]; exists {
			return nil, fmt.Errorf("store: external id %s linked to both %s and %s: %w", user.ExternalID, other, address, ErrAlreadyExists)
		}
		index[user.ExternalID] = address
	}
	return index, nil
}

func cloneUser(u User) User {
	if u.AccessTokens != nil {
		tokens := *u.AccessTokens
		u.AccessTokens = &tokens
	}
	return u
}
