package sol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ParsePrivateKey decodes a base58 encoded 64-byte keypair.
func ParsePrivateKey(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("private key is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("private key must be 64 bytes, got %d", len(raw))
	}
	return solana.PrivateKey(raw), nil
}

// ValidateAddress reports whether s is a base58 public key.
func ValidateAddress(s string) error {
	if _, err := solana.PublicKeyFromBase58(s); err != nil {
		return fmt.Errorf("not a valid public key: %w", err)
	}
	return nil
}
