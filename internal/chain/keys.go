package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyDeriver turns a seed (usually an agent name) into a signing key.
// Production deployments can back this with a key-management service.
type KeyDeriver interface {
	DeriveKey(seed string) (*ecdsa.PrivateKey, error)
}

// KeccakDeriver derives keys as keccak256(domain + ":" + seed). It is
// deterministic and only suitable for test networks.
type KeccakDeriver struct {
	Domain string
}

// DeriveKey implements KeyDeriver.
func (d KeccakDeriver) DeriveKey(seed string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(seed) == "" {
		return nil, fmt.Errorf("%w: empty derivation seed", ErrInvalidPrivateKey)
	}
	digest := crypto.Keccak256([]byte(d.Domain + ":" + seed))
	key, err := crypto.ToECDSA(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: derive %q: %v", ErrInvalidPrivateKey, seed, err)
	}
	return key, nil
}

// ParsePrivateKey parses a 64-hex-char secp256k1 key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return pk, nil
}

// AddressOf returns the ledger address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// TxOptions carries per-request signing overrides. PrivateKey wins over
// KeySeed; with neither set the client's operator key signs.
type TxOptions struct {
	PrivateKey string
	KeySeed    string
}

func (c *Client) signingKey(opts TxOptions) (*ecdsa.PrivateKey, error) {
	if opts.PrivateKey != "" {
		return ParsePrivateKey(opts.PrivateKey)
	}
	if opts.KeySeed != "" {
		if c.deriver == nil {
			return nil, fmt.Errorf("%w: key seed %q given but no deriver configured", ErrInvalidPrivateKey, opts.KeySeed)
		}
		return c.deriver.DeriveKey(opts.KeySeed)
	}
	if c.operatorKey == nil {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidPrivateKey)
	}
	return c.operatorKey, nil
}
