package chain

import (
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var bytes32Regex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// TaskID derives the 32-byte escrow key from a task identifier. A 0x-prefixed
// 64-hex string is taken verbatim; anything else is hashed with keccak256.
func TaskID(identifier string) common.Hash {
	if bytes32Regex.MatchString(identifier) {
		return common.HexToHash(identifier)
	}
	return crypto.Keccak256Hash([]byte(identifier))
}
