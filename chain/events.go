package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnknownEvent is returned for logs whose signature is not one the bridge handles.
	ErrUnknownEvent = errors.New("chain: unknown event")
	// ErrMalformedLog is returned when a known event cannot be decoded.
	ErrMalformedLog = errors.New("chain: malformed log")
)

// Kind names an event variant.
type Kind string

const (
	KindTokenFinalized       Kind = "token_finalized"
	KindRedeemRequested      Kind = "redeem_requested"
	KindOwnershipTransferred Kind = "ownership_transferred"
)

// Event is a decoded contract event. The set of implementations is closed to this package.
type Event interface {
	Kind() Kind
	isEvent()
}

// TokenFinalized is emitted once a mint has been assigned its token id.
type TokenFinalized struct {
	TokenID   *big.Int
	Recipient common.Address
}

// RedeemRequested is emitted when a holder redeems a token for a post.
type RedeemRequested struct {
	TokenID        *big.Int
	ExternalUserID *big.Int
	Content        string
	Policy         string
}

// OwnershipTransferred is the ERC-721 Transfer event. A zero From marks a mint and a zero To
// marks a burn.
type OwnershipTransferred struct {
	From    common.Address
	To      common.Address
	TokenID *big.Int
}

func (TokenFinalized) Kind() Kind       { return KindTokenFinalized }
func (RedeemRequested) Kind() Kind      { return KindRedeemRequested }
func (OwnershipTransferred) Kind() Kind { return KindOwnershipTransferred }

func (TokenFinalized) isEvent()       {}
func (RedeemRequested) isEvent()      {}
func (OwnershipTransferred) isEvent() {}

// IsMint reports whether the transfer originates from the zero address.
func (e OwnershipTransferred) IsMint() bool { return e.From == (common.Address{}) }

// IsBurn reports whether the transfer sends the token to the zero address.
func (e OwnershipTransferred) IsBurn() bool { return e.To == (common.Address{}) }

// field layouts mirror the ABI argument names so abi reflection can fill them.
type tokenFinalizedFields struct {
	TokenId   *big.Int
	Recipient common.Address
}

type redeemRequestedFields struct {
	TokenId        *big.Int
	ExternalUserId *big.Int
	Content        string
	Policy         string
}

type transferFields struct {
	From    common.Address
	To      common.Address
	TokenId *big.Int
}

// Decode converts a raw log into a typed event. Logs of other events return ErrUnknownEvent
// and undecodable payloads return ErrMalformedLog; neither is a failure for the caller.
func Decode(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	parsed, err := ParsedABI()
	if err != nil {
		return nil, err
	}
	event, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}
	switch event.Name {
	case eventTokenFinalized:
		var out tokenFinalizedFields
		if err := unpack(parsed, event, log, &out); err != nil {
			return nil, err
		}
		return TokenFinalized{TokenID: out.TokenId, Recipient: out.Recipient}, nil
	case eventRedeemRequested:
		var out redeemRequestedFields
		if err := unpack(parsed, event, log, &out); err != nil {
			return nil, err
		}
		return RedeemRequested{
			TokenID:        out.TokenId,
			ExternalUserID: out.ExternalUserId,
			Content:        out.Content,
			Policy:         out.Policy,
		}, nil
	case eventTransfer:
		var out transferFields
		if err := unpack(parsed, event, log, &out); err != nil {
			return nil, err
		}
		return OwnershipTransferred{From: out.From, To: out.To, TokenID: out.TokenId}, nil
	default:
		return nil, ErrUnknownEvent
	}
}

func unpack(parsed abi.ABI, event *abi.Event, log types.Log, out any) error {
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return fmt.Errorf("%w: %s has %d topics, want %d", ErrMalformedLog, event.Name, len(log.Topics)-1, len(indexed))
	}
	if len(event.Inputs.NonIndexed()) > 0 {
		if err := parsed.UnpackIntoInterface(out, event.Name, log.Data); err != nil {
			return fmt.Errorf("%w: %s data: %v", ErrMalformedLog, event.Name, err)
		}
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("%w: %s topics: %v", ErrMalformedLog, event.Name, err)
	}
	return nil
}
