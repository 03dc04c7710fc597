package sol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/singleflight"
)

const mintDecimalsOffset = 44

// TokenInfo is what callers need to address a mint's token accounts.
type TokenInfo struct {
	Mint      solana.PublicKey
	ProgramID solana.PublicKey
	Decimals  uint8
}

// Token2022 reports whether the mint belongs to the extended token program.
func (t TokenInfo) Token2022() bool { return t.ProgramID.Equals(Token2022ProgramID) }

// TokenResolver detects and memoizes the owning token program and decimals
// of each mint. Concurrent lookups for the same mint share one RPC call.
type TokenResolver struct {
	rpc   RPC
	cache sync.Map // string -> TokenInfo
	group singleflight.Group
}

func NewTokenResolver(rpc RPC) *TokenResolver {
	return &TokenResolver{rpc: rpc}
}

func (r *TokenResolver) Resolve(ctx context.Context, mint solana.PublicKey) (TokenInfo, error) {
	key := mint.String()
	if v, ok := r.cache.Load(key); ok {
		return v.(TokenInfo), nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if v, ok := r.cache.Load(key); ok {
			return v, nil
		}
		info, err := r.fetch(ctx, mint)
		if err != nil {
			return nil, err
		}
		r.cache.Store(key, info)
		return info, nil
	})
	if err != nil {
		return TokenInfo{}, err
	}
	return v.(TokenInfo), nil
}

// ResolveString parses mint and resolves it.
func (r *TokenResolver) ResolveString(ctx context.Context, mint string) (TokenInfo, error) {
	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("invalid mint %q: %w", mint, err)
	}
	return r.Resolve(ctx, pk)
}

func (r *TokenResolver) fetch(ctx context.Context, mint solana.PublicKey) (TokenInfo, error) {
	res, err := r.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return TokenInfo{}, fmt.Errorf("mint %s does not exist", mint)
		}
		return TokenInfo{}, fmt.Errorf("failed to fetch mint %s: %w", mint, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return TokenInfo{}, fmt.Errorf("mint %s has no data", mint)
	}
	owner := res.Value.Owner
	if !owner.Equals(solana.TokenProgramID) && !owner.Equals(Token2022ProgramID) {
		return TokenInfo{}, fmt.Errorf("mint %s is owned by %s, not a token program", mint, owner)
	}
	data := res.Value.Data.GetBinary()
	if len(data) <= mintDecimalsOffset {
		return TokenInfo{}, fmt.Errorf("mint %s data too short (%d bytes)", mint, len(data))
	}
	return TokenInfo{Mint: mint, ProgramID: owner, Decimals: data[mintDecimalsOffset]}, nil
}
