package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps all state in maps guarded by a single mutex. The lock is only held for
// the duration of one operation.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[string]User
	externalIDs  map[string]string
	pendingMints map[string]PendingMint
	nfts         map[string]NftRecord
	tokens       map[string]string
	contentLinks map[string]string
	sessions     map[string]Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset(NewSnapshot(), map[string]string{}, map[string]string{})
	return s
}

func (s *MemoryStore) reset(snap Snapshot, tokens, externalIDs map[string]string) {
	s.users = snap.Users
	s.pendingMints = snap.PendingMints
	s.nfts = snap.Nfts
	s.contentLinks = snap.ContentLinks
	s.sessions = snap.Sessions
	s.tokens = tokens
	s.externalIDs = externalIDs
}

func (s *MemoryStore) AddUser(_ context.Context, address string, user User) error {
	address = NormalizeAddress(address)
	if address == "" {
		return fmt.Errorf("store: user address required")
	}
	user.Address = address
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.users[address]; ok && previous.ExternalID != "" && previous.ExternalID != user.ExternalID {
		delete(s.externalIDs, previous.ExternalID)
	}
	if user.ExternalID != "" {
		if holder, ok := s.externalIDs[user.ExternalID]; ok && holder != address {
			unlinked := s.users[holder]
			unlinked.ExternalID = ""
			s.users[holder] = unlinked
		}
		s.externalIDs[user.ExternalID] = address
	}
	s.users[address] = cloneUser(user)
	return nil
}

func (s *MemoryStore) GetUserByAddress(_ context.Context, address string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[NormalizeAddress(address)]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) GetUserByExternalID(_ context.Context, externalID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	address, ok := s.externalIDs[normalizeKey(externalID)]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(s.users[address]), nil
}

func (s *MemoryStore) AddPendingMint(_ context.Context, txID string, pending PendingMint) error {
	txID = NormalizeTxID(txID)
	if txID == "" {
		return fmt.Errorf("store: transaction id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pendingMints[txID]; exists {
		return ErrAlreadyExists
	}
	s.pendingMints[txID] = pending
	return nil
}

func (s *MemoryStore) GetPendingMint(_ context.Context, txID string) (PendingMint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pendingMints[NormalizeTxID(txID)]
	if !ok {
		return PendingMint{}, ErrNotFound
	}
	return pending, nil
}

func (s *MemoryStore) PromotePendingMint(_ context.Context, txID, tokenID string) (string, error) {
	txID = NormalizeTxID(txID)
	tokenID = normalizeKey(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pendingMints[txID]
	if !ok {
		return "", ErrNotFound
	}
	if _, bound := s.tokens[tokenID]; bound {
		return "", fmt.Errorf("store: token %s already minted: %w", tokenID, ErrAlreadyExists)
	}
	if _, bound := s.nfts[pending.InternalNftID]; bound {
		return "", fmt.Errorf("store: nft %s already minted: %w", pending.InternalNftID, ErrAlreadyExists)
	}
	delete(s.pendingMints, txID)
	s.nfts[pending.InternalNftID] = NftRecord{OwnerKey: pending.OwnerKey, TokenID: tokenID}
	s.tokens[tokenID] = pending.InternalNftID
	return pending.InternalNftID, nil
}

func (s *MemoryStore) NftIDInUse(_ context.Context, nftID string) (bool, error) {
	nftID = normalizeKey(nftID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nfts[nftID]; ok {
		return true, nil
	}
	for _, pending := range s.pendingMints {
		if pending.InternalNftID == nftID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetNft(_ context.Context, nftID string) (NftRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nft, ok := s.nfts[normalizeKey(nftID)]
	if !ok {
		return NftRecord{}, ErrNotFound
	}
	return nft, nil
}

func (s *MemoryStore) GetNftByToken(_ context.Context, tokenID string) (string, NftRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nftID, ok := s.tokens[normalizeKey(tokenID)]
	if !ok {
		return "", NftRecord{}, ErrNotFound
	}
	return nftID, s.nfts[nftID], nil
}

func (s *MemoryStore) DeleteNft(_ context.Context, nftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nftID = normalizeKey(nftID)
	nft, ok := s.nfts[nftID]
	if !ok {
		return ErrNotFound
	}
	delete(s.nfts, nftID)
	delete(s.tokens, nft.TokenID)
	return nil
}

func (s *MemoryStore) DeleteNftByToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokenID = normalizeKey(tokenID)
	nftID, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	delete(s.tokens, tokenID)
	delete(s.nfts, nftID)
	return nil
}

func (s *MemoryStore) AddContentLink(_ context.Context, tokenID, postID string) error {
	tokenID = normalizeKey(tokenID)
	if tokenID == "" || normalizeKey(postID) == "" {
		return fmt.Errorf("store: token id and post id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentLinks[tokenID] = postID
	return nil
}

func (s *MemoryStore) GetContentLink(_ context.Context, tokenID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	postID, ok := s.contentLinks[normalizeKey(tokenID)]
	if !ok {
		return "", ErrNotFound
	}
	return postID, nil
}

func (s *MemoryStore) AddSession(_ context.Context, session Session) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = session
	return id, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[normalizeKey(sessionID)]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := NewSnapshot()
	for k, v := range s.users {
		snap.Users[k] = cloneUser(v)
	}
	for k, v := range s.pendingMints {
		snap.PendingMints[k] = v
	}
	for k, v := range s.nfts {
		snap.Nfts[k] = v
	}
	for k, v := range s.contentLinks {
		snap.ContentLinks[k] = v
	}
	for k, v := range s.sessions {
		snap.Sessions[k] = v
	}
	return snap, nil
}

func (s *MemoryStore) Restore(_ context.Context, snap Snapshot) error {
	snap.fill()
	tokens, err := tokenIndex(snap.Nfts)
	if err != nil {
		return err
	}
	externalIDs, err := externalIndex(snap.Users)
	if err != nil {
		return err
	}
	copied := NewSnapshot()
	for k, v := range snap.Users {
		copied.Users[k] = cloneUser(v)
	}
	for k, v := range snap.PendingMints {
		copied.PendingMints[k] = v
	}
	for k, v := range snap.Nfts {
		copied.Nfts[k] = v
	}
	for k, v := range snap.ContentLinks {
		copied.ContentLinks[k] = v
	}
	for k, v := range snap.Sessions {
		copied.Sessions[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(copied, tokens, externalIDs)
	return nil
}
