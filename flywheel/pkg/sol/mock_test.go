package sol

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

type mockRPC struct {
	getAccountInfoFunc          func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	getMultipleAccountsFunc     func(context.Context, ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error)
	getBalanceFunc              func(context.Context, solana.PublicKey) (*solanarpc.GetBalanceResult, error)
	getTokenSupplyFunc          func(context.Context, solana.PublicKey) (*solanarpc.GetTokenSupplyResult, error)
	getTokenLargestAccountsFunc func(context.Context, solana.PublicKey) (*solanarpc.GetTokenLargestAccountsResult, error)
	getProgramAccountsFunc      func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	sendFunc                    func(context.Context, *solana.Transaction) (solana.Signature, error)

	mu   sync.Mutex
	sent []*solana.Transaction
}

func (m *mockRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
	if m.getAccountInfoFunc != nil {
		return m.getAccountInfoFunc(ctx, account)
	}
	return nil, solanarpc.ErrNotFound
}

func (m *mockRPC) GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
	if m.getMultipleAccountsFunc != nil {
		return m.getMultipleAccountsFunc(ctx, accounts...)
	}
	return &solanarpc.GetMultipleAccountsResult{Value: make([]*solanarpc.Account, len(accounts))}, nil
}

func (m *mockRPC) GetBalance(ctx context.Context, account solana.PublicKey, _ solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account)
	}
	return &solanarpc.GetBalanceResult{Value: 0}, nil
}

func (m *mockRPC) GetTokenSupply(ctx context.Context, mint solana.PublicKey, _ solanarpc.CommitmentType) (*solanarpc.GetTokenSupplyResult, error) {
	if m.getTokenSupplyFunc != nil {
		return m.getTokenSupplyFunc(ctx, mint)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRPC) GetTokenLargestAccounts(ctx context.Context, mint solana.PublicKey, _ solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error) {
	if m.getTokenLargestAccountsFunc != nil {
		return m.getTokenLargestAccountsFunc(ctx, mint)
	}
	return &solanarpc.GetTokenLargestAccountsResult{}, nil
}

func (m *mockRPC) GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
	if m.getProgramAccountsFunc != nil {
		return m.getProgramAccountsFunc(ctx, program, opts)
	}
	return nil, nil
}

func (m *mockRPC) GetLatestBlockhash(ctx context.Context, _ solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	return &solanarpc.GetLatestBlockhashResult{
		Value: &solanarpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}, LastValidBlockHeight: 100},
	}, nil
}

func (m *mockRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, _ solanarpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	m.sent = append(m.sent, tx)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, tx)
	}
	return tx.Signatures[0], nil
}

func testPK(n int) solana.PublicKey {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(b)
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return k
}

func mintData(decimals uint8) []byte {
	data := make([]byte, 82)
	data[mintDecimalsOffset] = decimals
	return data
}

func tokenAccountData(mint, owner solana.PublicKey, amount uint64) []byte {
	data := make([]byte, legacyTokenAccountSize)
	copy(data[0:32], mint.Bytes())
	copy(data[32:64], owner.Bytes())
	binary.LittleEndian.PutUint64(data[64:72], amount)
	return data
}

func accountResult(owner solana.PublicKey, data []byte) *solanarpc.GetAccountInfoResult {
	return &solanarpc.GetAccountInfoResult{Value: account(owner, data)}
}

func account(owner solana.PublicKey, data []byte) *solanarpc.Account {
	return &solanarpc.Account{Owner: owner, Lamports: 2039280, Data: solanarpc.DataBytesOrJSONFromBytes(data)}
}

// chain answers GetAccountInfo from a fixed account map.
type chain map[solana.PublicKey]*solanarpc.Account

func (c chain) getAccountInfo(_ context.Context, pk solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
	a, ok := c[pk]
	if !ok {
		return nil, solanarpc.ErrNotFound
	}
	return &solanarpc.GetAccountInfoResult{Value: a}, nil
}

var errRPCUnavailable = errors.New("rpc: 503 service unavailable")
