package pumpportal

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/flywheel/flywheel/pkg/sol"
	"github.com/shopspring/decimal"
)

// DefaultProgramID is the pump bonding-curve program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")

// FeeDetector reports creator fees that can be claimed now, in SOL.
type FeeDetector interface {
	PendingFees(ctx context.Context) (decimal.Decimal, error)
}

// BalanceReader is the RPC call VaultDetector needs.
type BalanceReader interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
}

// VaultDetector reads the lamport balance of the creator's fee vault
// directly.
type VaultDetector struct {
	rpc   BalanceReader
	vault solana.PublicKey
}

var _ FeeDetector = (*VaultDetector)(nil)

func NewVaultDetector(rpc BalanceReader, creator, programID solana.PublicKey) (*VaultDetector, error) {
	if programID.IsZero() {
		programID = DefaultProgramID
	}
	vault, err := CreatorVault(creator, programID)
	if err != nil {
		return nil, err
	}
	return &VaultDetector{rpc: rpc, vault: vault}, nil
}

// Vault is the fee vault address being watched.
func (d *VaultDetector) Vault() solana.PublicKey { return d.vault }

func (d *VaultDetector) PendingFees(ctx context.Context) (decimal.Decimal, error) {
	res, err := d.rpc.GetBalance(ctx, d.vault, solanarpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read creator vault %s: %w", d.vault, err)
	}
	return sol.FromRaw(res.Value, 9), nil
}

// CreatorVault derives the creator fee vault PDA.
func CreatorVault(creator, programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("creator-vault"), creator.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive creator vault: %w", err)
	}
	return addr, nil
}

// BondingCurve derives the bonding-curve PDA of mint.
func BondingCurve(mint, programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("bonding-curve"), mint.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive bonding curve: %w", err)
	}
	return addr, nil
}
