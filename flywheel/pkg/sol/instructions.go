package sol

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	Token2022ProgramID              = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenAccountProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// Token program instruction tags.
const (
	tagTransferChecked = 12
	tagBurnChecked     = 15
)

const ataCreateIdempotent = 1

// AssociatedTokenAddress derives the associated token account of wallet for
// mint under the given token program.
func AssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{wallet.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		AssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account for %s: %w", wallet, err)
	}
	return addr, nil
}

// CreateATAIdempotent creates wallet's token account for the mint if missing.
func CreateATAIdempotent(payer, wallet solana.PublicKey, token TokenInfo) (solana.Instruction, error) {
	ata, err := AssociatedTokenAddress(wallet, token.Mint, token.ProgramID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		AssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(wallet, false, false),
			solana.NewAccountMeta(token.Mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(token.ProgramID, false, false),
		},
		[]byte{ataCreateIdempotent},
	), nil
}

// TransferChecked moves amount base units from source to destination.
func TransferChecked(token TokenInfo, source, destination, owner solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(
		token.ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(token.Mint, false, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(owner, false, true),
		},
		checkedData(tagTransferChecked, amount, token.Decimals),
	)
}

// BurnChecked burns amount base units from account.
func BurnChecked(token TokenInfo, account, owner solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(
		token.ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(account, true, false),
			solana.NewAccountMeta(token.Mint, true, false),
			solana.NewAccountMeta(owner, false, true),
		},
		checkedData(tagBurnChecked, amount, token.Decimals),
	)
}

func checkedData(tag byte, amount uint64, decimals uint8) []byte {
	data := make([]byte, 10)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return data
}
