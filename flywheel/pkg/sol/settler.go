package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

type SettlerConfig struct {
	Logger     *slog.Logger
	Sender     *Sender
	Resolver   *TokenResolver
	Authority  solana.PrivateKey
	RewardMint solana.PublicKey
}

func (cfg *SettlerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sender == nil {
		return errors.New("sender is required")
	}
	if cfg.Resolver == nil {
		return errors.New("token resolver is required")
	}
	if len(cfg.Authority) != 64 {
		return errors.New("authority key is required")
	}
	if cfg.RewardMint.IsZero() {
		return errors.New("reward mint is required")
	}
	return nil
}

// Settler pays a push batch from the authority's reward account in one
// transaction, creating recipient token accounts as needed.
type Settler struct {
	log *slog.Logger
	cfg SettlerConfig
}

var _ rewards.Settler = (*Settler)(nil)

func NewSettler(cfg SettlerConfig) (*Settler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Settler{log: cfg.Logger, cfg: cfg}, nil
}

// SettleBatch sends one transfer per payable recipient. Invalid addresses and
// amounts that round to zero base units are left out of the settlement.
func (s *Settler) SettleBatch(ctx context.Context, batch []rewards.Allocation) (rewards.Settlement, error) {
	instrs, paid, err := s.instructions(ctx, batch)
	if err != nil {
		return rewards.Settlement{}, err
	}
	sig, err := s.cfg.Sender.SendInstructions(ctx, instrs, s.cfg.Authority)
	if err != nil {
		return rewards.Settlement{}, err
	}
	return rewards.Settlement{Signature: sig, Paid: paid}, nil
}

func (s *Settler) instructions(ctx context.Context, batch []rewards.Allocation) ([]solana.Instruction, []rewards.Allocation, error) {
	token, err := s.cfg.Resolver.Resolve(ctx, s.cfg.RewardMint)
	if err != nil {
		return nil, nil, err
	}
	authority := s.cfg.Authority.PublicKey()
	source, err := AssociatedTokenAddress(authority, token.Mint, token.ProgramID)
	if err != nil {
		return nil, nil, err
	}

	instrs := make([]solana.Instruction, 0, 2*len(batch))
	paid := make([]rewards.Allocation, 0, len(batch))
	for _, a := range batch {
		recipient, err := solana.PublicKeyFromBase58(a.Address)
		if err != nil {
			s.log.Warn("settler: skipping invalid recipient", "address", a.Address, "error", err)
			continue
		}
		raw, err := ToRaw(a.Amount, token.Decimals)
		if err != nil {
			return nil, nil, fmt.Errorf("recipient %s: %w", a.Address, err)
		}
		if raw == 0 {
			s.log.Debug("settler: skipping recipient below one base unit", "address", a.Address, "amount", a.Amount.String())
			continue
		}
		dest, err := AssociatedTokenAddress(recipient, token.Mint, token.ProgramID)
		if err != nil {
			return nil, nil, err
		}
		create, err := CreateATAIdempotent(authority, recipient, token)
		if err != nil {
			return nil, nil, err
		}
		instrs = append(instrs, create, TransferChecked(token, source, dest, authority, raw))
		a.Amount = FromRaw(raw, token.Decimals)
		paid = append(paid, a)
	}
	if len(instrs) == 0 {
		return nil, nil, errors.New("batch has no payable transfers")
	}
	return instrs, paid, nil
}
