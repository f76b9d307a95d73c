package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketExternalIDs  = []byte("external_ids")
	bucketPendingMints = []byte("pending_mints")
	bucketNfts         = []byte("nfts")
	bucketTokens       = []byte("tokens")
	bucketContentLinks = []byte("content_links")
	bucketSessions     = []byte("sessions")

	allBuckets = [][]byte{
		bucketUsers, bucketExternalIDs, bucketPendingMints, bucketNfts,
		bucketTokens, bucketContentLinks, bucketSessions,
	}
)

// BoltStore persists state in a bbolt file. Every operation runs in a single bolt
// transaction, which serialises writers.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (and migrates) the bbolt-backed store at path.
func OpenBolt(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getJSON(bucket *bolt.Bucket, key string, out any) error {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func putJSON(bucket *bolt.Bucket, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), raw)
}

func (s *BoltStore) AddUser(_ context.Context, address string, user User) error {
	address = NormalizeAddress(address)
	if address == "" {
		return fmt.Errorf("store: user address required")
	}
	user.Address = address
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		external := tx.Bucket(bucketExternalIDs)
		var previous User
		switch err := getJSON(users, address, &previous); err {
		case nil:
			if previous.ExternalID != "" && previous.ExternalID != user.ExternalID {
				if err := external.Delete([]byte(previous.ExternalID)); err != nil {
					return err
				}
			}
		case ErrNotFound:
		default:
			return err
		}
		if user.ExternalID != "" {
			if holder := external.Get([]byte(user.ExternalID)); holder != nil && string(holder) != address {
				var unlinked User
				if err := getJSON(users, string(holder), &unlinked); err == nil {
					unlinked.ExternalID = ""
					if err := putJSON(users, string(holder), unlinked); err != nil {
						return err
					}
				} else if err != ErrNotFound {
					return err
				}
			}
			if err := external.Put([]byte(user.ExternalID), []byte(address)); err != nil {
				return err
			}
		}
		return putJSON(users, address, user)
	})
}

func (s *BoltStore) GetUserByAddress(_ context.Context, address string) (User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), NormalizeAddress(address), &user)
	})
	return user, err
}

func (s *BoltStore) GetUserByExternalID(_ context.Context, externalID string) (User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		address := tx.Bucket(bucketExternalIDs).Get([]byte(normalizeKey(externalID)))
		if address == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketUsers), string(address), &user)
	})
	return user, err
}

func (s *BoltStore) AddPendingMint(_ context.Context, txID string, pending PendingMint) error {
	txID = NormalizeTxID(txID)
	if txID == "" {
		return fmt.Errorf("store: transaction id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPendingMints)
		if bucket.Get([]byte(txID)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(bucket, txID, pending)
	})
}

func (s *BoltStore) GetPendingMint(_ context.Context, txID string) (PendingMint, error) {
	var pending PendingMint
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPendingMints), NormalizeTxID(txID), &pending)
	})
	return pending, err
}

func (s *BoltStore) PromotePendingMint(_ context.Context, txID, tokenID string) (string, error) {
	txID = NormalizeTxID(txID)
	tokenID = normalizeKey(tokenID)
	var nftID string
	err := s.db.Update(func(tx *bolt.Tx) error {
		pendingBucket := tx.Bucket(bucketPendingMints)
		var pending PendingMint
		if err := getJSON(pendingBucket, txID, &pending); err != nil {
			return err
		}
		tokens := tx.Bucket(bucketTokens)
		if tokens.Get([]byte(tokenID)) != nil {
			return fmt.Errorf("store: token %s already minted: %w", tokenID, ErrAlreadyExists)
		}
		if tx.Bucket(bucketNfts).Get([]byte(pending.InternalNftID)) != nil {
			return fmt.Errorf("store: nft %s already minted: %w", pending.InternalNftID, ErrAlreadyExists)
		}
		if err := pendingBucket.Delete([]byte(txID)); err != nil {
			return err
		}
		record := NftRecord{OwnerKey: pending.OwnerKey, TokenID: tokenID}
		if err := putJSON(tx.Bucket(bucketNfts), pending.InternalNftID, record); err != nil {
			return err
		}
		nftID = pending.InternalNftID
		return tokens.Put([]byte(tokenID), []byte(nftID))
	})
	if err != nil {
		return "", err
	}
	return nftID, nil
}

func (s *BoltStore) NftIDInUse(_ context.Context, nftID string) (bool, error) {
	nftID = normalizeKey(nftID)
	inUse := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNfts).Get([]byte(nftID)) != nil {
			inUse = true
			return nil
		}
		return tx.Bucket(bucketPendingMints).ForEach(func(_, v []byte) error {
			var pending PendingMint
			if err := json.Unmarshal(v, &pending); err != nil {
				return err
			}
			if pending.InternalNftID == nftID {
				inUse = true
			}
			return nil
		})
	})
	return inUse, err
}

func (s *BoltStore) GetNft(_ context.Context, nftID string) (NftRecord, error) {
	var nft NftRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketNfts), normalizeKey(nftID), &nft)
	})
	return nft, err
}

func (s *BoltStore) GetNftByToken(_ context.Context, tokenID string) (string, NftRecord, error) {
	var (
		nftID string
		nft   NftRecord
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTokens).Get([]byte(normalizeKey(tokenID)))
		if raw == nil {
			return ErrNotFound
		}
		nftID = string(raw)
		return getJSON(tx.Bucket(bucketNfts), nftID, &nft)
	})
	return nftID, nft, err
}

func (s *BoltStore) DeleteNft(_ context.Context, nftID string) error {
	nftID = normalizeKey(nftID)
	return s.db.Update(func(tx *bolt.Tx) error {
		nfts := tx.Bucket(bucketNfts)
		var nft NftRecord
		if err := getJSON(nfts, nftID, &nft); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTokens).Delete([]byte(nft.TokenID)); err != nil {
			return err
		}
		return nfts.Delete([]byte(nftID))
	})
}

func (s *BoltStore) DeleteNftByToken(_ context.Context, tokenID string) error {
	tokenID = normalizeKey(tokenID)
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		raw := tokens.Get([]byte(tokenID))
		if raw == nil {
			return ErrNotFound
		}
		nftID := append([]byte(nil), raw...)
		if err := tokens.Delete([]byte(tokenID)); err != nil {
			return err
		}
		return tx.Bucket(bucketNfts).Delete(nftID)
	})
}

func (s *BoltStore) AddContentLink(_ context.Context, tokenID, postID string) error {
	tokenID = normalizeKey(tokenID)
	if tokenID == "" || normalizeKey(postID) == "" {
		return fmt.Errorf("store: token id and post id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContentLinks).Put([]byte(tokenID), []byte(postID))
	})
}

func (s *BoltStore) GetContentLink(_ context.Context, tokenID string) (string, error) {
	var postID string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContentLinks).Get([]byte(normalizeKey(tokenID)))
		if raw == nil {
			return ErrNotFound
		}
		postID = string(raw)
		return nil
	})
	return postID, err
}

func (s *BoltStore) AddSession(_ context.Context, session Session) (string, error) {
	id := uuid.NewString()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSessions), id, session)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *BoltStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	var session Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketSessions), normalizeKey(sessionID), &session)
	})
	return session, err
}

func (s *BoltStore) Snapshot(_ context.Context) (Snapshot, error) {
	snap := NewSnapshot()
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			snap.Users[string(k)] = user
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPendingMints).ForEach(func(k, v []byte) error {
			var pending PendingMint
			if err := json.Unmarshal(v, &pending); err != nil {
				return err
			}
			snap.PendingMints[string(k)] = pending
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNfts).ForEach(func(k, v []byte) error {
			var nft NftRecord
			if err := json.Unmarshal(v, &nft); err != nil {
				return err
			}
			snap.Nfts[string(k)] = nft
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketContentLinks).ForEach(func(k, v []byte) error {
			snap.ContentLinks[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			snap.Sessions[string(k)] = session
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: snapshot: %w", err)
	}
	return snap, nil
}

func (s *BoltStore) Restore(_ context.Context, snap Snapshot) error {
	snap.fill()
	tokens, err := tokenIndex(snap.Nfts)
	if err != nil {
		return err
	}
	externalIDs, err := externalIndex(snap.Users)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		users := tx.Bucket(bucketUsers)
		for address, user := range snap.Users {
			if err := putJSON(users, address, user); err != nil {
				return err
			}
		}
		for externalID, address := range externalIDs {
			if err := tx.Bucket(bucketExternalIDs).Put([]byte(externalID), []byte(address)); err != nil {
				return err
			}
		}
		for txID, pending := range snap.PendingMints {
			if err := putJSON(tx.Bucket(bucketPendingMints), txID, pending); err != nil {
				return err
			}
		}
		for id, nft := range snap.Nfts {
			if err := putJSON(tx.Bucket(bucketNfts), id, nft); err != nil {
				return err
			}
		}
		for tokenID, nftID := range tokens {
			if err := tx.Bucket(bucketTokens).Put([]byte(tokenID), []byte(nftID)); err != nil {
				return err
			}
		}
		for tokenID, postID := range snap.ContentLinks {
			if err := tx.Bucket(bucketContentLinks).Put([]byte(tokenID), []byte(postID)); err != nil {
				return err
			}
		}
		for id, session := range snap.Sessions {
			if err := putJSON(tx.Bucket(bucketSessions), id, session); err != nil {
				return err
			}
		}
		return nil
	})
}
