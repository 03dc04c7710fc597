package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

type ClaimTxConfig struct {
	Logger     *slog.Logger
	Sender     *Sender
	Resolver   *TokenResolver
	Authority  solana.PrivateKey
	RewardMint solana.PublicKey
	SourceMint solana.PublicKey
}

func (cfg *ClaimTxConfig) Validate() error {
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
	if cfg.RewardMint.IsZero() || cfg.SourceMint.IsZero() {
		return errors.New("reward and source mints are required")
	}
	return nil
}

// ClaimTxBuilder builds the pull-claim transaction: the authority transfers
// the reward and the claimant burns the source token. The claimant pays the
// fee and adds the second signature.
type ClaimTxBuilder struct {
	log *slog.Logger
	cfg ClaimTxConfig
}

var _ rewards.ClaimTxBuilder = (*ClaimTxBuilder)(nil)

func NewClaimTxBuilder(cfg ClaimTxConfig) (*ClaimTxBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClaimTxBuilder{log: cfg.Logger, cfg: cfg}, nil
}

func (b *ClaimTxBuilder) BuildClaim(ctx context.Context, req rewards.ClaimRequest) (string, error) {
	claimant, err := solana.PublicKeyFromBase58(req.Claimant)
	if err != nil {
		return "", fmt.Errorf("invalid claimant %q: %w", req.Claimant, err)
	}
	reward, err := b.cfg.Resolver.Resolve(ctx, b.cfg.RewardMint)
	if err != nil {
		return "", err
	}
	source, err := b.cfg.Resolver.Resolve(ctx, b.cfg.SourceMint)
	if err != nil {
		return "", err
	}

	rewardRaw, err := ToRaw(req.RewardAmount, reward.Decimals)
	if err != nil {
		return "", err
	}
	burnRaw, err := ToRaw(req.BurnAmount, source.Decimals)
	if err != nil {
		return "", err
	}
	if rewardRaw == 0 || burnRaw == 0 {
		return "", fmt.Errorf("claim rounds to zero base units (reward %d, burn %d)", rewardRaw, burnRaw)
	}

	authority := b.cfg.Authority.PublicKey()
	pool, err := AssociatedTokenAddress(authority, reward.Mint, reward.ProgramID)
	if err != nil {
		return "", err
	}
	dest, err := AssociatedTokenAddress(claimant, reward.Mint, reward.ProgramID)
	if err != nil {
		return "", err
	}
	burnFrom, err := AssociatedTokenAddress(claimant, source.Mint, source.ProgramID)
	if err != nil {
		return "", err
	}
	create, err := CreateATAIdempotent(claimant, claimant, reward)
	if err != nil {
		return "", err
	}

	tx, err := b.cfg.Sender.Build(ctx, claimant,
		create,
		TransferChecked(reward, pool, dest, authority, rewardRaw),
		BurnChecked(source, burnFrom, claimant, burnRaw),
	)
	if err != nil {
		return "", err
	}
	if err := Sign(tx, b.cfg.Authority); err != nil {
		return "", err
	}

	b.log.Debug("claimtx: built claim transaction",
		"epoch_id", req.EpochID,
		"claimant", req.Claimant,
		"reward_raw", rewardRaw,
		"burn_raw", burnRaw,
	)
	return EncodeBase64(tx)
}
