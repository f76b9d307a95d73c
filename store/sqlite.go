package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists state in a SQLite database. The pool is limited to one connection so
// every transaction is serialised by the driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the SQLite-backed store at path. Use ":memory:" for an
// ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
            address TEXT PRIMARY KEY,
            external_id TEXT UNIQUE,
            access_token TEXT,
            access_secret TEXT,
            oauth_token TEXT NOT NULL DEFAULT '',
            oauth_secret TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS pending_mints (
            tx_id TEXT PRIMARY KEY,
            owner_key TEXT NOT NULL,
            nft_id TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS nfts (
            nft_id TEXT PRIMARY KEY,
            owner_key TEXT NOT NULL,
            token_id TEXT NOT NULL UNIQUE
        );`,
		`CREATE TABLE IF NOT EXISTS content_links (
            token_id TEXT PRIMARY KEY,
            post_id TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            external_id TEXT NOT NULL,
            address TEXT NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) AddUser(ctx context.Context, address string, user User) error {
	address = NormalizeAddress(address)
	if address == "" {
		return fmt.Errorf("store: user address required")
	}
	var token, secret sql.NullString
	if user.AccessTokens != nil {
		token = sql.NullString{String: user.AccessTokens.Token, Valid: true}
		secret = sql.NullString{String: user.AccessTokens.Secret, Valid: true}
	}
	var external sql.NullString
	if user.ExternalID != "" {
		external = sql.NullString{String: user.ExternalID, Valid: true}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if external.Valid {
			// A social identity can only be linked to one wallet at a time.
			if _, err := tx.ExecContext(ctx, `UPDATE users SET external_id = NULL WHERE external_id = ? AND address <> ?`, external, address); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO users (address, external_id, access_token, access_secret, oauth_token, oauth_secret)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(address) DO UPDATE SET external_id = excluded.external_id, access_token = excluded.access_token,
            access_secret = excluded.access_secret, oauth_token = excluded.oauth_token, oauth_secret = excluded.oauth_secret`,
			address, external, token, secret, user.OAuthTokens.Token, user.OAuthTokens.Secret)
		return err
	})
}

const userColumns = `address, external_id, access_token, access_secret, oauth_token, oauth_secret`

func scanUser(row *sql.Row) (User, error) {
	var (
		user           User
		external       sql.NullString
		token, secret  sql.NullString
		oauth, oSecret string
	)
	if err := row.Scan(&user.Address, &external, &token, &secret, &oauth, &oSecret); err != nil {
		return User{}, notFound(err)
	}
	user.ExternalID = external.String
	if token.Valid || secret.Valid {
		user.AccessTokens = &AccessTokens{Token: token.String, Secret: secret.String}
	}
	user.OAuthTokens = AccessTokens{Token: oauth, Secret: oSecret}
	return user, nil
}

func (s *SQLiteStore) GetUserByAddress(ctx context.Context, address string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE address = ?`, NormalizeAddress(address))
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = ?`, normalizeKey(externalID))
	return scanUser(row)
}

func (s *SQLiteStore) AddPendingMint(ctx context.Context, txID string, pending PendingMint) error {
	txID = NormalizeTxID(txID)
	if txID == "" {
		return fmt.Errorf("store: transaction id required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM pending_mints WHERE tx_id = ?`, txID).Scan(&exists)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO pending_mints (tx_id, owner_key, nft_id) VALUES (?, ?, ?)`,
			txID, pending.OwnerKey, pending.InternalNftID)
		return err
	})
}

func (s *SQLiteStore) GetPendingMint(ctx context.Context, txID string) (PendingMint, error) {
	var pending PendingMint
	err := s.db.QueryRowContext(ctx, `SELECT owner_key, nft_id FROM pending_mints WHERE tx_id = ?`, NormalizeTxID(txID)).
		Scan(&pending.OwnerKey, &pending.InternalNftID)
	if err != nil {
		return PendingMint{}, notFound(err)
	}
	return pending, nil
}

func (s *SQLiteStore) PromotePendingMint(ctx context.Context, txID, tokenID string) (string, error) {
	txID = NormalizeTxID(txID)
	tokenID = normalizeKey(tokenID)
	var nftID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pending PendingMint
		if err := tx.QueryRowContext(ctx, `SELECT owner_key, nft_id FROM pending_mints WHERE tx_id = ?`, txID).
			Scan(&pending.OwnerKey, &pending.InternalNftID); err != nil {
			return notFound(err)
		}
		var bound int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM nfts WHERE token_id = ?`, tokenID).Scan(&bound)
		if err == nil {
			return fmt.Errorf("store: token %s already minted: %w", tokenID, ErrAlreadyExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM nfts WHERE nft_id = ?`, pending.InternalNftID).Scan(&bound)
		if err == nil {
			return fmt.Errorf("store: nft %s already minted: %w", pending.InternalNftID, ErrAlreadyExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mints WHERE tx_id = ?`, txID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO nfts (nft_id, owner_key, token_id) VALUES (?, ?, ?)`,
			pending.InternalNftID, pending.OwnerKey, tokenID); err != nil {
			return err
		}
		nftID = pending.InternalNftID
		return nil
	})
	if err != nil {
		return "", err
	}
	return nftID, nil
}

func (s *SQLiteStore) NftIDInUse(ctx context.Context, nftID string) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM nfts WHERE nft_id = ?1)
        OR EXISTS (SELECT 1 FROM pending_mints WHERE nft_id = ?1)`, normalizeKey(nftID)).Scan(&inUse)
	return inUse, err
}

func (s *SQLiteStore) GetNft(ctx context.Context, nftID string) (NftRecord, error) {
	var nft NftRecord
	err := s.db.QueryRowContext(ctx, `SELECT owner_key, token_id FROM nfts WHERE nft_id = ?`, normalizeKey(nftID)).
		Scan(&nft.OwnerKey, &nft.TokenID)
	if err != nil {
		return NftRecord{}, notFound(err)
	}
	return nft, nil
}

func (s *SQLiteStore) GetNftByToken(ctx context.Context, tokenID string) (string, NftRecord, error) {
	var (
		nftID string
		nft   NftRecord
	)
	err := s.db.QueryRowContext(ctx, `SELECT nft_id, owner_key, token_id FROM nfts WHERE token_id = ?`, normalizeKey(tokenID)).
		Scan(&nftID, &nft.OwnerKey, &nft.TokenID)
	if err != nil {
		return "", NftRecord{}, notFound(err)
	}
	return nftID, nft, nil
}

func deleteOne(ctx context.Context, db *sql.DB, query string, arg string) error {
	res, err := db.ExecContext(ctx, query, arg)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteNft(ctx context.Context, nftID string) error {
	return deleteOne(ctx, s.db, `DELETE FROM nfts WHERE nft_id = ?`, normalizeKey(nftID))
}

func (s *SQLiteStore) DeleteNftByToken(ctx context.Context, tokenID string) error {
	return deleteOne(ctx, s.db, `DELETE FROM nfts WHERE token_id = ?`, normalizeKey(tokenID))
}

func (s *SQLiteStore) AddContentLink(ctx context.Context, tokenID, postID string) error {
	tokenID = normalizeKey(tokenID)
	if tokenID == "" || normalizeKey(postID) == "" {
		return fmt.Errorf("store: token id and post id required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO content_links (token_id, post_id) VALUES (?, ?)
        ON CONFLICT(token_id) DO UPDATE SET post_id = excluded.post_id`, tokenID, postID)
	return err
}

func (s *SQLiteStore) GetContentLink(ctx context.Context, tokenID string) (string, error) {
	var postID string
	if err := s.db.QueryRowContext(ctx, `SELECT post_id FROM content_links WHERE token_id = ?`, normalizeKey(tokenID)).Scan(&postID); err != nil {
		return "", notFound(err)
	}
	return postID, nil
}

func (s *SQLiteStore) AddSession(ctx context.Context, session Session) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, external_id, address) VALUES (?, ?, ?)`,
		id, session.ExternalID, session.Address); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx, `SELECT external_id, address FROM sessions WHERE id = ?`, normalizeKey(sessionID)).
		Scan(&session.ExternalID, &session.Address)
	if err != nil {
		return Session{}, notFound(err)
	}
	return session, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := NewSnapshot()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				user           User
				external       sql.NullString
				token, secret  sql.NullString
				oauth, oSecret string
			)
			if err := rows.Scan(&user.Address, &external, &token, &secret, &oauth, &oSecret); err != nil {
				rows.Close()
				return err
			}
			user.ExternalID = external.String
			if token.Valid || secret.Valid {
				user.AccessTokens = &AccessTokens{Token: token.String, Secret: secret.String}
			}
			user.OAuthTokens = AccessTokens{Token: oauth, Secret: oSecret}
			snap.Users[user.Address] = user
		}
		if err := closeRows(rows); err != nil {
			return err
		}

		if err := scanPairs(ctx, tx, `SELECT tx_id, owner_key, nft_id FROM pending_mints`, func(k, a, b string) {
			snap.PendingMints[k] = PendingMint{OwnerKey: a, InternalNftID: b}
		}); err != nil {
			return err
		}
		if err := scanPairs(ctx, tx, `SELECT nft_id, owner_key, token_id FROM nfts`, func(k, a, b string) {
			snap.Nfts[k] = NftRecord{OwnerKey: a, TokenID: b}
		}); err != nil {
			return err
		}
		if err := scanPairs(ctx, tx, `SELECT token_id, post_id, '' FROM content_links`, func(k, a, _ string) {
			snap.ContentLinks[k] = a
		}); err != nil {
			return err
		}
		return scanPairs(ctx, tx, `SELECT id, external_id, address FROM sessions`, func(k, a, b string) {
			snap.Sessions[k] = Session{ExternalID: a, Address: b}
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: snapshot: %w", err)
	}
	return snap, nil
}

func scanPairs(ctx context.Context, tx *sql.Tx, query string, fn func(key, a, b string)) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	for rows.Next() {
		var key, a, b string
		if err := rows.Scan(&key, &a, &b); err != nil {
			rows.Close()
			return err
		}
		fn(key, a, b)
	}
	return closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func (s *SQLiteStore) Restore(ctx context.Context, snap Snapshot) error {
	snap.fill()
	if _, err := tokenIndex(snap.Nfts); err != nil {
		return err
	}
	if _, err := externalIndex(snap.Users); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"users", "pending_mints", "nfts", "content_links", "sessions"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		for address, user := range snap.Users {
			var token, secret, external sql.NullString
			if user.AccessTokens != nil {
				token = sql.NullString{String: user.AccessTokens.Token, Valid: true}
				secret = sql.NullString{String: user.AccessTokens.Secret, Valid: true}
			}
			if user.ExternalID != "" {
				external = sql.NullString{String: user.ExternalID, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
				address, external, token, secret, user.OAuthTokens.Token, user.OAuthTokens.Secret); err != nil {
				return err
			}
		}
		for txID, pending := range snap.PendingMints {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pending_mints (tx_id, owner_key, nft_id) VALUES (?, ?, ?)`,
				txID, pending.OwnerKey, pending.InternalNftID); err != nil {
				return err
			}
		}
		for id, nft := range snap.Nfts {
			if _, err := tx.ExecContext(ctx, `INSERT INTO nfts (nft_id, owner_key, token_id) VALUES (?, ?, ?)`,
				id, nft.OwnerKey, nft.TokenID); err != nil {
				return err
			}
		}
		for tokenID, postID := range snap.ContentLinks {
			if _, err := tx.ExecContext(ctx, `INSERT INTO content_links (token_id, post_id) VALUES (?, ?)`, tokenID, postID); err != nil {
				return err
			}
		}
		for id, session := range snap.Sessions {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, external_id, address) VALUES (?, ?, ?)`,
				id, session.ExternalID, session.Address); err != nil {
				return err
			}
		}
		return nil
	})
}
