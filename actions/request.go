package actions

// Request is a contract call waiting for the consumer: MintRequest or RedeemRequest.
type Request interface {
	Action() string
	isRequest()
}

// MintRequest mints a token to Recipient for the social account ExternalUserID.
type MintRequest struct {
	Recipient      string
	ExternalUserID string
	Policy         string
	Metadata       map[string]string
}

// RedeemRequest redeems TokenID for a post of Content.
type RedeemRequest struct {
	TokenID string
	Content string
}

func (MintRequest) Action() string   { return "mint" }
func (RedeemRequest) Action() string { return "redeem" }

func (MintRequest) isRequest()   {}
func (RedeemRequest) isRequest() {}
