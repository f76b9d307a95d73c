package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "bolt", open: func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "state.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestUsersByAddressAndExternalID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetUserByExternalID(ctx, "7")
		require.ErrorIs(t, err, ErrNotFound)

		user := User{
			ExternalID:   "7",
			AccessTokens: &AccessTokens{Token: "access", Secret: "secret"},
			OAuthTokens:  AccessTokens{Token: "oauth", Secret: "oauth-secret"},
		}
		require.NoError(t, s.AddUser(ctx, "0xABCDEF", user))

		got, err := s.GetUserByAddress(ctx, "0xabcdef")
		require.NoError(t, err)
		require.Equal(t, "0xabcdef", got.Address)
		require.Equal(t, "access", got.AccessTokens.Token)

		got, err = s.GetUserByExternalID(ctx, "7")
		require.NoError(t, err)
		require.Equal(t, "0xabcdef", got.Address)
		require.Equal(t, user.OAuthTokens, got.OAuthTokens)

		// Relinking the wallet to a new identity drops the old lookup.
		user.ExternalID = "8"
		require.NoError(t, s.AddUser(ctx, "0xabcdef", user))
		_, err = s.GetUserByExternalID(ctx, "7")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserByExternalID(ctx, "8")
		require.NoError(t, err)
	})
}

func TestPromotePendingMintExactlyOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddPendingMint(ctx, "0xABC", PendingMint{OwnerKey: "0xowner", InternalNftID: "nft-1"}))
		require.ErrorIs(t, s.AddPendingMint(ctx, "0xabc", PendingMint{OwnerKey: "0xother", InternalNftID: "nft-2"}), ErrAlreadyExists)

		pending, err := s.GetPendingMint(ctx, "0xabc")
		require.NoError(t, err)
		require.Equal(t, "nft-1", pending.InternalNftID)

		nftID, err := s.PromotePendingMint(ctx, "0xabc", "42")
		require.NoError(t, err)
		require.Equal(t, "nft-1", nftID)

		_, err = s.PromotePendingMint(ctx, "0xabc", "42")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetPendingMint(ctx, "0xabc")
		require.ErrorIs(t, err, ErrNotFound)

		nft, err := s.GetNft(ctx, "nft-1")
		require.NoError(t, err)
		require.Equal(t, NftRecord{OwnerKey: "0xowner", TokenID: "42"}, nft)

		id, byToken, err := s.GetNftByToken(ctx, "42")
		require.NoError(t, err)
		require.Equal(t, "nft-1", id)
		require.Equal(t, nft, byToken)
	})
}

func TestPromoteRejectsTokenAlreadyBound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddPendingMint(ctx, "0x01", PendingMint{OwnerKey: "a", InternalNftID: "nft-1"}))
		require.NoError(t, s.AddPendingMint(ctx, "0x02", PendingMint{OwnerKey: "b", InternalNftID: "nft-2"}))
		_, err := s.PromotePendingMint(ctx, "0x01", "9")
		require.NoError(t, err)

		_, err = s.PromotePendingMint(ctx, "0x02", "9")
		require.ErrorIs(t, err, ErrAlreadyExists)

		// The losing pending mint is left in place.
		_, err = s.GetPendingMint(ctx, "0x02")
		require.NoError(t, err)
	})
}

func TestConcurrentPromotionSucceedsOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddPendingMint(ctx, "0xfeed", PendingMint{OwnerKey: "a", InternalNftID: "nft-1"}))

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			notFound  atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.PromotePendingMint(ctx, "0xfeed", "1")
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, ErrNotFound):
					notFound.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, successes.Load())
		require.EqualValues(t, 15, notFound.Load())
	})
}

func TestDeleteNft(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, tx := range []string{"0x1", "0x2"} {
			require.NoError(t, s.AddPendingMint(ctx, tx, PendingMint{OwnerKey: "a", InternalNftID: fmt.Sprintf("nft-%d", i)}))
			_, err := s.PromotePendingMint(ctx, tx, fmt.Sprint(7+i))
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteNftByToken(ctx, "7"))
		_, err := s.GetNft(ctx, "nft-0")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.DeleteNftByToken(ctx, "7"), ErrNotFound)

		require.NoError(t, s.DeleteNft(ctx, "nft-1"))
		_, _, err = s.GetNftByToken(ctx, "8")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.DeleteNft(ctx, "nft-1"), ErrNotFound)
	})
}

func TestContentLinksAndSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetContentLink(ctx, "5")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, s.AddContentLink(ctx, "5", "post-1"))
		postID, err := s.GetContentLink(ctx, "5")
		require.NoError(t, err)
		require.Equal(t, "post-1", postID)

		id, err := s.AddSession(ctx, Session{ExternalID: "7", Address: "0xabc"})
		require.NoError(t, err)
		session, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		require.Equal(t, Session{ExternalID: "7", Address: "0xabc"}, session)
		_, err = s.GetSession(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func populate(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AddUser(ctx, "0xaaa", User{ExternalID: "1", AccessTokens: &AccessTokens{Token: "t", Secret: "s"}}))
	require.NoError(t, s.AddUser(ctx, "0xbbb", User{OAuthTokens: AccessTokens{Token: "o", Secret: "p"}}))
	require.NoError(t, s.AddPendingMint(ctx, "0x10", PendingMint{OwnerKey: "0xaaa", InternalNftID: "nft-a"}))
	require.NoError(t, s.AddPendingMint(ctx, "0x11", PendingMint{OwnerKey: "0xbbb", InternalNftID: "nft-b"}))
	_, err := s.PromotePendingMint(ctx, "0x11", "3")
	require.NoError(t, err)
	require.NoError(t, s.AddContentLink(ctx, "2", "post-2"))
	_, err = s.AddSession(ctx, Session{ExternalID: "1", Address: "0xaaa"})
	require.NoError(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		populate(t, s)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		blob, err := Encode(snap)
		require.NoError(t, err)
		decoded, err := Decode(blob)
		require.NoError(t, err)
		require.Equal(t, snap, decoded)

		// Restoring into every backend reproduces the same state.
		for _, b := range backends() {
			target := b.open(t)
			require.NoError(t, target.Restore(ctx, decoded), b.name)
			again, err := target.Snapshot(ctx)
			require.NoError(t, err)
			require.Equal(t, snap, again, b.name)

			_, err = target.PromotePendingMint(ctx, "0x10", "4")
			require.NoError(t, err, b.name)
			_, _, err = target.GetNftByToken(ctx, "3")
			require.NoError(t, err, b.name)
			_, err = target.GetUserByExternalID(ctx, "1")
			require.NoError(t, err, b.name)
		}
	})
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version":99,"state":{}}`))
	require.Error(t, err)

	snap, err := Decode([]byte(`{"version":1,"state":{}}`))
	require.NoError(t, err)
	require.NotNil(t, snap.Users)
	require.NotNil(t, snap.ContentLinks)
}

func TestRestoreRejectsDuplicateTokenBinding(t *testing.T) {
	snap := NewSnapshot()
	snap.Nfts["a"] = NftRecord{OwnerKey: "x", TokenID: "1"}
	snap.Nfts["b"] = NftRecord{OwnerKey: "y", TokenID: "1"}
	require.ErrorIs(t, NewMemoryStore().Restore(context.Background(), snap), ErrAlreadyExists)
}

func TestExternalIDMovesBetweenWallets(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddUser(ctx, "0xaa", User{ExternalID: "7"}))
		require.NoError(t, s.AddUser(ctx, "0xbb", User{ExternalID: "7"}))

		previous, err := s.GetUserByAddress(ctx, "0xaa")
		require.NoError(t, err)
		require.Empty(t, previous.ExternalID)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		blob, err := Encode(snap)
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			decoded, err := Decode(blob)
			require.NoError(t, err)
			for _, b := range backends() {
				target := b.open(t)
				require.NoError(t, target.Restore(ctx, decoded), b.name)
				user, err := target.GetUserByExternalID(ctx, "7")
				require.NoError(t, err, b.name)
				require.Equal(t, "0xbb", user.Address, b.name)
			}
		}
	})
}

func TestRestoreRejectsSharedExternalID(t *testing.T) {
	snap := NewSnapshot()
	snap.Users["0xaa"] = User{Address: "0xaa", ExternalID: "7"}
	snap.Users["0xbb"] = User{Address: "0xbb", ExternalID: "7"}
	for _, b := range backends() {
		require.ErrorIs(t, b.open(t).Restore(context.Background(), snap), ErrAlreadyExists, b.name)
	}
}

func TestPromoteRejectsInternalIDAlreadyMinted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddPendingMint(ctx, "0x01", PendingMint{OwnerKey: "a", InternalNftID: "n1"}))
		require.NoError(t, s.AddPendingMint(ctx, "0x02", PendingMint{OwnerKey: "b", InternalNftID: "n1"}))
		_, err := s.PromotePendingMint(ctx, "0x01", "41")
		require.NoError(t, err)

		_, err = s.PromotePendingMint(ctx, "0x02", "42")
		require.ErrorIs(t, err, ErrAlreadyExists)
		_, err = s.GetPendingMint(ctx, "0x02")
		require.NoError(t, err)
		_, _, err = s.GetNftByToken(ctx, "42")
		require.ErrorIs(t, err, ErrNotFound)

		id, nft, err := s.GetNftByToken(ctx, "41")
		require.NoError(t, err)
		require.Equal(t, "n1", id)
		require.Equal(t, NftRecord{OwnerKey: "a", TokenID: "41"}, nft)

		require.NoError(t, s.DeleteNftByToken(ctx, "41"))
		_, err = s.GetNft(ctx, "n1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}
