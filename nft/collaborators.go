package nft

import (
	"context"
	"encoding/json"
	"strings"

	"nftbridge/store"
)

// Moderator decides whether content complies with a policy. A false verdict is not an error.
type Moderator interface {
	Check(ctx context.Context, content, policy string) (bool, error)
}

// Poster publishes to the social platform on behalf of a user.
type Poster interface {
	Post(ctx context.Context, creds store.AccessTokens, text string, mediaIDs []string) (string, error)
	UploadMedia(ctx context.Context, creds store.AccessTokens, media []byte) (string, error)
}

// MediaFetcher downloads media referenced by redeem content.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, url string) ([]byte, error)
}

// Redemption is the ledger entry written after a redeem was accepted by moderation.
type Redemption struct {
	TokenID string
	Text    string
	Policy  string
	// PostID is empty when the redeeming account is not linked to a social identity.
	PostID string
}

// Ledger is the external relational record of token ownership and redemptions.
type Ledger interface {
	SetTokenID(ctx context.Context, nftID, tokenID string) error
	RecordRedemption(ctx context.Context, r Redemption) error
	DeleteToken(ctx context.Context, tokenID string) error
	UpdateTokenOwner(ctx context.Context, tokenID, owner string) error
}

// NopLedger discards ledger writes. It is used when no ledger database is configured.
type NopLedger struct{}

func (NopLedger) SetTokenID(context.Context, string, string) error       { return nil }
func (NopLedger) RecordRedemption(context.Context, Redemption) error     { return nil }
func (NopLedger) DeleteToken(context.Context, string) error              { return nil }
func (NopLedger) UpdateTokenOwner(context.Context, string, string) error { return nil }

// Content is the parsed body of a redeem request.
type Content struct {
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// ParseContent accepts either a JSON object {"text": ..., "media_url": ...} or plain text.
// Anything that is not a JSON object carrying a text field is treated as plain text.
func ParseContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Content{Text: raw}
	}
	var parsed struct {
		Text     *string `json:"text"`
		MediaURL *string `json:"media_url"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || parsed.Text == nil {
		return Content{Text: raw}
	}
	content := Content{Text: *parsed.Text}
	if parsed.MediaURL != nil {
		content.MediaURL = strings.TrimSpace(*parsed.MediaURL)
	}
	return content
}
