package ledger

import (
	"time"

	"gorm.io/gorm"
)

// NftIndex is the frontend's record of a token and its current holder. TokenID stays null
// until the mint is finalized on chain.
type NftIndex struct {
	ID              string    `gorm:"column:id;primaryKey"`
	UserID          string    `gorm:"column:userId;index"`
	TwitterUserName string    `gorm:"column:twitterUserName"`
	TokenID         *int64    `gorm:"column:tokenId;uniqueIndex"`
	CreatedAt       time.Time `gorm:"column:createdAt"`
}

// TableName pins the table name used by the frontend schema.
func (NftIndex) TableName() string { return "NftIndex" }

// RedeemedIndex records a redeemed token and the post it produced.
type RedeemedIndex struct {
	ID              string    `gorm:"column:id;primaryKey"`
	CreatorUserID   string    `gorm:"column:creatorUserId;index"`
	TokenID         int64     `gorm:"column:tokenId;index"`
	TweetID         string    `gorm:"column:tweetId"`
	TwitterUserName string    `gorm:"column:twitterUserName"`
	Safeguard       string    `gorm:"column:safeguard"`
	Content         string    `gorm:"column:content"`
	CreatedAt       time.Time `gorm:"column:createdAt"`
}

func (RedeemedIndex) TableName() string { return "RedeemedIndex" }

// User carries the per-account redemption counter.
type User struct {
	ID               string `gorm:"column:id;primaryKey"`
	TwitterUserName  string `gorm:"column:twitterUserName"`
	HaveBeenRedeemed int64  `gorm:"column:haveBeenRedeemed;not null;default:0"`
}

func (User) TableName() string { return "User" }

// AutoMigrate creates the ledger tables. Production databases are owned by the frontend and
// are normally migrated there; this is used for development databases and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &NftIndex{}, &RedeemedIndex{})
}
