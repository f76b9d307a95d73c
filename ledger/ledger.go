package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"nftbridge/nft"
)

var (
	// ErrTokenNotFound is returned when the ledger holds no row for a token.
	ErrTokenNotFound = errors.New("ledger: token not found")
	// ErrInvalidTokenID is returned for token ids the ledger schema cannot store.
	ErrInvalidTokenID = errors.New("ledger: invalid token id")
)

// TokenOwner identifies the account currently holding a token.
type TokenOwner struct {
	UserID          string
	TwitterUserName string
}

// Ledger writes ownership and redemption state to the frontend's relational database.
type Ledger struct {
	db *gorm.DB
}

var _ nft.Ledger = (*Ledger)(nil)

// Open connects to the ledger database. postgres:// and postgresql:// URLs use the postgres
// driver; anything else is treated as a sqlite path or DSN.
func Open(dsn string) (*Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("ledger: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates the ledger tables if they are missing.
func (l *Ledger) Migrate(ctx context.Context) error {
	if err := AutoMigrate(l.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// TokenOwner returns the holder of tokenID.
func (l *Ledger) TokenOwner(ctx context.Context, tokenID string) (TokenOwner, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return TokenOwner{}, err
	}
	return tokenOwner(l.db.WithContext(ctx), id)
}

func tokenOwner(db *gorm.DB, tokenID int64) (TokenOwner, error) {
	var row NftIndex
	err := db.Where(tokenColumn(tokenID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenOwner{}, fmt.Errorf("%w: %d", ErrTokenNotFound, tokenID)
	}
	if err != nil {
		return TokenOwner{}, fmt.Errorf("ledger: load token %d: %w", tokenID, err)
	}
	return TokenOwner{UserID: row.UserID, TwitterUserName: row.TwitterUserName}, nil
}

// RecordRedemption resolves the token holder, appends the redemption, bumps the holder's
// redeemed counter and removes the token, all in one transaction.
func (l *Ledger) RecordRedemption(ctx context.Context, r nft.Redemption) error {
	id, err := parseTokenID(r.TokenID)
	if err != nil {
		return err
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, err := tokenOwner(tx, id)
		if err != nil {
			return err
		}
		entry := RedeemedIndex{
			ID:              uuid.NewString(),
			CreatorUserID:   owner.UserID,
			TokenID:         id,
			TweetID:         r.PostID,
			TwitterUserName: owner.TwitterUserName,
			Safeguard:       r.Policy,
			Content:         r.Text,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("ledger: insert redemption: %w", err)
		}
		if err := incrementRedeemed(tx, owner.UserID); err != nil {
			return err
		}
		if err := tx.Where(tokenColumn(id)).Delete(&NftIndex{}).Error; err != nil {
			return fmt.Errorf("ledger: delete token %d: %w", id, err)
		}
		return nil
	})
}

// IncrementRedeemed bumps the redeemed counter for a user.
func (l *Ledger) IncrementRedeemed(ctx context.Context, userID string) error {
	return incrementRedeemed(l.db.WithContext(ctx), userID)
}

func incrementRedeemed(db *gorm.DB, userID string) error {
	counter := clause.Column{Name: "haveBeenRedeemed"}
	err := db.Model(&User{}).
		Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: userID}).
		UpdateColumn(counter.Name, gorm.Expr("? + 1", counter)).Error
	if err != nil {
		return fmt.Errorf("ledger: increment redeemed for %s: %w", userID, err)
	}
	return nil
}

// SetTokenID attaches the on-chain token id to the frontend record nftID. Unknown records are
// ignored.
func (l *Ledger) SetTokenID(ctx context.Context, nftID, tokenID string) error {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return err
	}
	err = l.db.WithContext(ctx).Model(&NftIndex{}).
		Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: nftID}).
		UpdateColumn("tokenId", id).Error
	if err != nil {
		return fmt.Errorf("ledger: set token id for %s: %w", nftID, err)
	}
	return nil
}

// DeleteToken removes the record for tokenID if present.
func (l *Ledger) DeleteToken(ctx context.Context, tokenID string) error {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return err
	}
	if err := l.db.WithContext(ctx).Where(tokenColumn(id)).Delete(&NftIndex{}).Error; err != nil {
		return fmt.Errorf("ledger: delete token %d: %w", id, err)
	}
	return nil
}

// UpdateTokenOwner moves tokenID to a new holder.
func (l *Ledger) UpdateTokenOwner(ctx context.Context, tokenID, owner string) error {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return err
	}
	err = l.db.WithContext(ctx).Model(&NftIndex{}).
		Where(tokenColumn(id)).
		UpdateColumn("userId", owner).Error
	if err != nil {
		return fmt.Errorf("ledger: update owner of %d: %w", id, err)
	}
	return nil
}

func tokenColumn(id int64) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "tokenId"}, Value: id}
}

func parseTokenID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTokenID, raw)
	}
	return id, nil
}
