package sol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/shopspring/decimal"
)

// Token account layout offsets shared by both token programs.
const (
	tokenAccountMintOffset   = 0
	tokenAccountOwnerOffset  = 32
	tokenAccountAmountOffset = 64
	tokenAccountMinLen       = 72
	legacyTokenAccountSize   = 165
)

type LedgerConfig struct {
	Logger     *slog.Logger
	RPC        RPC
	Resolver   *TokenResolver
	Commitment solanarpc.CommitmentType
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewTokenResolver(cfg.RPC)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	return nil
}

// Ledger reads token balances and holders from a Solana RPC node.
type Ledger struct {
	log *slog.Logger
	cfg LedgerConfig
}

var _ rewards.Ledger = (*Ledger)(nil)

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// Balance reads owner's associated token account for mint. A missing
// account is a zero balance.
func (l *Ledger) Balance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	ownerPK, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid owner %q: %w", owner, err)
	}
	token, err := l.cfg.Resolver.ResolveString(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	ata, err := AssociatedTokenAddress(ownerPK, token.Mint, token.ProgramID)
	if err != nil {
		return decimal.Zero, err
	}

	res, err := l.cfg.RPC.GetAccountInfo(ctx, ata)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to fetch token account %s: %w", ata, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return decimal.Zero, nil
	}
	_, amount, err := parseTokenAccount(res.Value.Data.GetBinary())
	if err != nil {
		return decimal.Zero, fmt.Errorf("token account %s: %w", ata, err)
	}
	return FromRaw(amount, token.Decimals), nil
}

// NativeBalance returns the SOL balance of account.
func (l *Ledger) NativeBalance(ctx context.Context, account solana.PublicKey) (decimal.Decimal, error) {
	res, err := l.cfg.RPC.GetBalance(ctx, account, l.cfg.Commitment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch balance of %s: %w", account, err)
	}
	return FromRaw(res.Value, 9), nil
}

func (l *Ledger) TotalSupply(ctx context.Context, mint string) (decimal.Decimal, error) {
	token, err := l.cfg.Resolver.ResolveString(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := l.cfg.RPC.GetTokenSupply(ctx, token.Mint, l.cfg.Commitment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch supply of %s: %w", mint, err)
	}
	if res == nil || res.Value == nil {
		return decimal.Zero, fmt.Errorf("empty supply response for %s", mint)
	}
	return FromRawString(res.Value.Amount, token.Decimals)
}

// LargestHolders returns up to n of the largest token accounts, keyed by
// their owning wallet.
func (l *Ledger) LargestHolders(ctx context.Context, mint string, n int) ([]rewards.Holding, error) {
	token, err := l.cfg.Resolver.ResolveString(ctx, mint)
	if err != nil {
		return nil, err
	}
	res, err := l.cfg.RPC.GetTokenLargestAccounts(ctx, token.Mint, l.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch largest accounts of %s: %w", mint, err)
	}
	if res == nil {
		return nil, nil
	}
	accounts := res.Value
	if n >= 0 && len(accounts) > n {
		accounts = accounts[:n]
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	keys := make([]solana.PublicKey, len(accounts))
	for i, a := range accounts {
		keys[i] = a.Address
	}
	infos, err := l.cfg.RPC.GetMultipleAccounts(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token account owners: %w", err)
	}

	out := make([]rewards.Holding, 0, len(accounts))
	for i, a := range accounts {
		amount, err := FromRawString(a.Amount, token.Decimals)
		if err != nil {
			return nil, err
		}
		owner := a.Address
		if infos != nil && i < len(infos.Value) && infos.Value[i] != nil && infos.Value[i].Data != nil {
			if o, _, err := parseTokenAccount(infos.Value[i].Data.GetBinary()); err == nil {
				owner = o
			}
		}
		out = append(out, rewards.Holding{Address: owner.String(), Amount: amount})
	}
	return out, nil
}

// Holders scans every token account of mint. Accounts with a zero balance
// are skipped.
func (l *Ledger) Holders(ctx context.Context, mint string) ([]rewards.Holding, error) {
	token, err := l.cfg.Resolver.ResolveString(ctx, mint)
	if err != nil {
		return nil, err
	}

	filters := []solanarpc.RPCFilter{
		{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: tokenAccountMintOffset, Bytes: solana.Base58(token.Mint.Bytes())}},
	}
	if !token.Token2022() {
		filters = append(filters, solanarpc.RPCFilter{DataSize: legacyTokenAccountSize})
	}
	accounts, err := l.cfg.RPC.GetProgramAccountsWithOpts(ctx, token.ProgramID, &solanarpc.GetProgramAccountsOpts{
		Commitment: l.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan holders of %s: %w", mint, err)
	}

	out := make([]rewards.Holding, 0, len(accounts))
	for _, a := range accounts {
		if a == nil || a.Account == nil || a.Account.Data == nil {
			continue
		}
		owner, raw, err := parseTokenAccount(a.Account.Data.GetBinary())
		if err != nil {
			l.log.Debug("sol: skipping malformed token account", "account", a.Pubkey.String(), "error", err)
			continue
		}
		if raw == 0 {
			continue
		}
		out = append(out, rewards.Holding{Address: owner.String(), Amount: FromRaw(raw, token.Decimals)})
	}
	l.log.Debug("sol: scanned holders", "mint", mint, "accounts", len(accounts), "holders", len(out))
	return out, nil
}

func parseTokenAccount(data []byte) (solana.PublicKey, uint64, error) {
	if len(data) < tokenAccountMinLen {
		return solana.PublicKey{}, 0, fmt.Errorf("token account data too short (%d bytes)", len(data))
	}
	owner := solana.PublicKeyFromBytes(data[tokenAccountOwnerOffset : tokenAccountOwnerOffset+32])
	amount := binary.LittleEndian.Uint64(data[tokenAccountAmountOffset:tokenAccountMinLen])
	return owner, amount, nil
}
