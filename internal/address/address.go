// Package address canonicalizes account identifiers into checksummed ledger
// addresses.
//
// Three input shapes are accepted:
//
//	0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed   0x-prefixed, 40 hex chars
//	5aaeb6053f3e94c9b9a09f33669435e7ef1beaed     bare, 40 hex chars
//	0.0.1234                                     shard.realm.num account id
//
// The account-id form maps onto the 20-byte address space as
// shard (4 bytes) | realm (8 bytes) | num (8 bytes).
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidFormat is returned when an identifier matches none of the accepted shapes.
var ErrInvalidFormat = errors.New("address: invalid address format")

var (
	hexAddressRegex = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	accountIDRegex  = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// Resolve converts an identifier into a ledger address. It is pure and deterministic.
func Resolve(value string) (common.Address, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return common.Address{}, fmt.Errorf("%w: empty identifier", ErrInvalidFormat)
	}

	if strings.HasPrefix(candidate, "0x") || strings.HasPrefix(candidate, "0X") {
		body := candidate[2:]
		if !hexAddressRegex.MatchString(body) {
			return common.Address{}, fmt.Errorf("%w: %q is not 40 hex characters", ErrInvalidFormat, value)
		}
		return common.HexToAddress(body), nil
	}

	if hexAddressRegex.MatchString(candidate) {
		return common.HexToAddress(candidate), nil
	}

	if accountIDRegex.MatchString(candidate) {
		return fromAccountID(candidate, value)
	}

	return common.Address{}, fmt.Errorf("%w: unsupported identifier %q", ErrInvalidFormat, value)
}

// ResolveString is Resolve returning the EIP-55 checksummed hex form.
func ResolveString(value string) (string, error) {
	addr, err := Resolve(value)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// ResolveAll resolves every identifier, dropping duplicates while keeping first-seen order.
func ResolveAll(values []string) ([]common.Address, error) {
	seen := make(map[common.Address]struct{}, len(values))
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		addr, err := Resolve(v)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// IsAccountID reports whether value has the shard.realm.num shape.
func IsAccountID(value string) bool {
	return accountIDRegex.MatchString(strings.TrimSpace(value))
}

func fromAccountID(candidate, original string) (common.Address, error) {
	parts := strings.Split(candidate, ".")

	shard, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: shard of %q: %v", ErrInvalidFormat, original, err)
	}
	realm, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: realm of %q: %v", ErrInvalidFormat, original, err)
	}
	num, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: num of %q: %v", ErrInvalidFormat, original, err)
	}

	return common.HexToAddress(fmt.Sprintf("%08x%016x%016x", shard, realm, num)), nil
}
