package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ContractABI is the subset of the NFT contract interface the bridge relies on.
const ContractABI = `[
  {"type":"event","name":"TokenFinalized","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"recipient","type":"address","indexed":true}]},
  {"type":"event","name":"RedeemRequested","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"externalUserId","type":"uint256","indexed":false},
    {"name":"content","type":"string","indexed":false},
    {"name":"policy","type":"string","indexed":false}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"event","name":"Approval","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"approved","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"operator","type":"address","indexed":true},
    {"name":"approved","type":"bool","indexed":false}]},
  {"type":"function","name":"mintTo","stateMutability":"nonpayable","inputs":[
    {"name":"recipient","type":"address"},
    {"name":"externalUserId","type":"uint256"},
    {"name":"policy","type":"string"}],"outputs":[]},
  {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
    {"name":"tokenId","type":"uint256"},
    {"name":"content","type":"string"},
    {"name":"kind","type":"uint8"}],"outputs":[]}
]`

const (
	eventTokenFinalized  = "TokenFinalized"
	eventRedeemRequested = "RedeemRequested"
	eventTransfer        = "Transfer"

	methodMint   = "mintTo"
	methodRedeem = "redeem"
)

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parsedErr  error
)

// ParsedABI returns the parsed contract ABI.
func ParsedABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parsedErr = abi.JSON(strings.NewReader(ContractABI))
		if parsedErr != nil {
			parsedErr = fmt.Errorf("chain: parse contract abi: %w", parsedErr)
		}
	})
	return parsedABI, parsedErr
}

func mustABI() abi.ABI {
	parsed, err := ParsedABI()
	if err != nil {
		panic(err)
	}
	return parsed
}
