package sol

import (
	"context"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// RPC is the subset of the Solana JSON-RPC client the flywheel uses.
type RPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error)
	GetTokenLargestAccounts(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
}

var _ RPC = (*solanarpc.Client)(nil)

// NewRPC returns a JSON-RPC client for url.
func NewRPC(url string) *solanarpc.Client {
	return solanarpc.New(url)
}
