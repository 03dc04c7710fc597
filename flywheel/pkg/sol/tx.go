package sol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/flywheel/utils/pkg/retry"
)

// Sign adds a signature from each key to tx. Keys that are not required
// signers of the message are an error. Signatures from other signers are
// left in place, so a transaction can be partially signed.
func Sign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		return fmt.Errorf("message requires %d signatures but has %d keys", n, len(tx.Message.AccountKeys))
	}
	if len(tx.Signatures) != n {
		sigs := make([]solana.Signature, n)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	for _, key := range keys {
		pub := key.PublicKey()
		idx := -1
		for i := 0; i < n; i++ {
			if tx.Message.AccountKeys[i].Equals(pub) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%s is not a required signer", pub)
		}
		sig, err := key.Sign(msg)
		if err != nil {
			return fmt.Errorf("failed to sign with %s: %w", pub, err)
		}
		tx.Signatures[idx] = sig
	}
	return nil
}

// EncodeBase64 serializes tx for a wallet to sign and submit.
func EncodeBase64(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

type SenderConfig struct {
	Logger     *slog.Logger
	RPC        RPC
	Retry      retry.Config
	Commitment solanarpc.CommitmentType
}

func (cfg *SenderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	return nil
}

// Sender builds, signs and submits transactions. Each attempt fetches a
// fresh blockhash.
type Sender struct {
	log *slog.Logger
	cfg SenderConfig
}

func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sender{log: cfg.Logger, cfg: cfg}, nil
}

// Build creates a legacy transaction paid by payer over a recent blockhash.
func (s *Sender) Build(ctx context.Context, payer solana.PublicKey, instrs ...solana.Instruction) (*solana.Transaction, error) {
	bh, err := s.cfg.RPC.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blockhash: %w", err)
	}
	if bh == nil || bh.Value == nil {
		return nil, errors.New("empty blockhash response")
	}
	tx, err := solana.NewTransaction(instrs, bh.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// SendInstructions builds, fully signs and submits a transaction. The
// first key pays the fee.
func (s *Sender) SendInstructions(ctx context.Context, instrs []solana.Instruction, signers ...solana.PrivateKey) (string, error) {
	if len(signers) == 0 {
		return "", errors.New("at least one signer is required")
	}
	return retry.DoValue(ctx, s.cfg.Retry, func() (string, error) {
		tx, err := s.Build(ctx, signers[0].PublicKey(), instrs...)
		if err != nil {
			return "", err
		}
		if err := Sign(tx, signers...); err != nil {
			return "", err
		}
		return s.submit(ctx, tx)
	})
}

// SendSigned submits an already signed transaction.
func (s *Sender) SendSigned(ctx context.Context, tx *solana.Transaction) (string, error) {
	return retry.DoValue(ctx, s.cfg.Retry, func() (string, error) {
		return s.submit(ctx, tx)
	})
}

func (s *Sender) submit(ctx context.Context, tx *solana.Transaction) (string, error) {
	sig, err := s.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: s.cfg.Commitment,
	})
	if err != nil {
		if isBlockhashExpired(err) {
			s.log.Warn("sol: blockhash expired, retrying", "error", err)
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	s.log.Debug("sol: transaction sent", "signature", sig.String())
	return sig.String(), nil
}

func isBlockhashExpired(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "block height exceeded")
}
