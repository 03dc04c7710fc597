package sol

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	fwtesting "github.com/malbeclabs/flywheel/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, rpc *mockRPC) *Ledger {
	t.Helper()
	l, err := NewLedger(LedgerConfig{Logger: fwtesting.NewLogger(), RPC: rpc})
	require.NoError(t, err)
	return l
}

func TestFlywheel_Sol_Ledger_NewLedger(t *testing.T) {
	t.Parallel()
	_, err := NewLedger(LedgerConfig{RPC: &mockRPC{}})
	require.Error(t, err)
	_, err = NewLedger(LedgerConfig{Logger: fwtesting.NewLogger()})
	require.Error(t, err)
}

func TestFlywheel_Sol_Ledger_Balance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mint, owner, other := testPK(10), testPK(20), testPK(30)
	ata, err := AssociatedTokenAddress(owner, mint, solana.TokenProgramID)
	require.NoError(t, err)

	accounts := chain{
		mint: account(solana.TokenProgramID, mintData(6)),
		ata:  account(solana.TokenProgramID, tokenAccountData(mint, owner, 2_500_000)),
	}
	l := newTestLedger(t, &mockRPC{getAccountInfoFunc: accounts.getAccountInfo})

	got, err := l.Balance(ctx, owner.String(), mint.String())
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.RequireFromString("2.5")), got.String())

	t.Run("missing token account is zero", func(t *testing.T) {
		got, err := l.Balance(ctx, other.String(), mint.String())
		require.NoError(t, err)
		require.True(t, got.IsZero())
	})

	t.Run("invalid owner", func(t *testing.T) {
		_, err := l.Balance(ctx, "nope", mint.String())
		require.Error(t, err)
	})
}

func TestFlywheel_Sol_Ledger_Supply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mint := testPK(11)
	rpc := &mockRPC{
		getAccountInfoFunc: chain{mint: account(solana.TokenProgramID, mintData(6))}.getAccountInfo,
		getTokenSupplyFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetTokenSupplyResult, error) {
			return &solanarpc.GetTokenSupplyResult{Value: &solanarpc.UiTokenAmount{Amount: "1000000000000", Decimals: 6}}, nil
		},
	}
	got, err := newTestLedger(t, rpc).TotalSupply(ctx, mint.String())
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(1_000_000)))
}

func TestFlywheel_Sol_Ledger_LargestHolders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mint := testPK(12)
	acctA, acctB, acctC := testPK(40), testPK(41), testPK(42)
	ownerA, ownerB := testPK(50), testPK(51)

	rpc := &mockRPC{
		getAccountInfoFunc: chain{mint: account(solana.TokenProgramID, mintData(6))}.getAccountInfo,
		getTokenLargestAccountsFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetTokenLargestAccountsResult, error) {
			return &solanarpc.GetTokenLargestAccountsResult{Value: []*solanarpc.TokenLargestAccountsResult{
				{Address: acctA, UiTokenAmount: solanarpc.UiTokenAmount{Amount: "9000000", Decimals: 6}},
				{Address: acctB, UiTokenAmount: solanarpc.UiTokenAmount{Amount: "1000000", Decimals: 6}},
				{Address: acctC, UiTokenAmount: solanarpc.UiTokenAmount{Amount: "500000", Decimals: 6}},
			}}, nil
		},
		getMultipleAccountsFunc: func(_ context.Context, keys ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error) {
			require.Equal(t, []solana.PublicKey{acctA, acctB}, keys)
			return &solanarpc.GetMultipleAccountsResult{Value: []*solanarpc.Account{
				account(solana.TokenProgramID, tokenAccountData(mint, ownerA, 9_000_000)),
				account(solana.TokenProgramID, tokenAccountData(mint, ownerB, 1_000_000)),
			}}, nil
		},
	}

	holders, err := newTestLedger(t, rpc).LargestHolders(ctx, mint.String(), 2)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	require.Equal(t, ownerA.String(), holders[0].Address)
	require.True(t, holders[0].Amount.Equal(decimal.NewFromInt(9)))
	require.Equal(t, ownerB.String(), holders[1].Address)
}

func TestFlywheel_Sol_Ledger_Holders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("legacy mint filters by size and mint", func(t *testing.T) {
		t.Parallel()
		mint := testPK(13)
		ownerA, ownerB := testPK(60), testPK(61)
		rpc := &mockRPC{
			getAccountInfoFunc: chain{mint: account(solana.TokenProgramID, mintData(6))}.getAccountInfo,
			getProgramAccountsFunc: func(_ context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				require.Equal(t, solana.TokenProgramID, program)
				require.Len(t, opts.Filters, 2)
				require.Equal(t, solana.Base58(mint.Bytes()), opts.Filters[0].Memcmp.Bytes)
				require.Equal(t, uint64(legacyTokenAccountSize), opts.Filters[1].DataSize)
				return solanarpc.GetProgramAccountsResult{
					{Pubkey: testPK(70), Account: account(program, tokenAccountData(mint, ownerA, 3_000_000))},
					{Pubkey: testPK(71), Account: account(program, tokenAccountData(mint, ownerB, 0))},
					{Pubkey: testPK(72), Account: account(program, []byte{1, 2, 3})},
				}, nil
			},
		}
		holders, err := newTestLedger(t, rpc).Holders(ctx, mint.String())
		require.NoError(t, err)
		require.Len(t, holders, 1)
		require.Equal(t, ownerA.String(), holders[0].Address)
		require.True(t, holders[0].Amount.Equal(decimal.NewFromInt(3)))
	})

	t.Run("token-2022 mint skips the size filter", func(t *testing.T) {
		t.Parallel()
		mint := testPK(14)
		rpc := &mockRPC{
			getAccountInfoFunc: chain{mint: account(Token2022ProgramID, mintData(9))}.getAccountInfo,
			getProgramAccountsFunc: func(_ context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				require.Equal(t, Token2022ProgramID, program)
				require.Len(t, opts.Filters, 1)
				return nil, nil
			},
		}
		holders, err := newTestLedger(t, rpc).Holders(ctx, mint.String())
		require.NoError(t, err)
		require.Empty(t, holders)
	})
}
