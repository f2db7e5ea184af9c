// Package ctf reads outcome token balances from the Conditional Tokens
// contract.
package ctf

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// DefaultContract is the Conditional Tokens contract on Polygon.
const DefaultContract = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

const erc1155ABI = `[{
	"name": "balanceOfBatch",
	"type": "function",
	"stateMutability": "view",
	"inputs": [
		{"name": "accounts", "type": "address[]"},
		{"name": "ids", "type": "uint256[]"}
	],
	"outputs": [{"name": "", "type": "uint256[]"}]
}]`

// Source is a domain.BalanceSource backed by ERC-1155 balanceOfBatch.
type Source struct {
	caller   Caller
	contract common.Address
	chunk    int
	abi      abi.ABI
}

// NewSource creates a chain balance source. chunk bounds the number of ids
// per call.
func NewSource(caller Caller, contract string, chunk int) (*Source, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("ctf: invalid contract address %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(erc1155ABI))
	if err != nil {
		return nil, fmt.Errorf("ctf: parse abi: %w", err)
	}
	if chunk <= 0 {
		chunk = 200
	}
	return &Source{
		caller:   caller,
		contract: common.HexToAddress(contract),
		chunk:    chunk,
		abi:      parsed,
	}, nil
}

// Name identifies this source in logs and metrics.
func (s *Source) Name() string { return "chain" }

// Balances returns the balance of user for every candidate, zero included:
// a zero is a real reading, not a missing one. The chain cannot enumerate
// holdings, so instruments outside candidates are never reported.
func (s *Source) Balances(ctx context.Context, user string, candidates []string) ([]domain.Balance, error) {
	if !common.IsHexAddress(user) {
		return nil, fmt.Errorf("ctf: invalid user address %q", user)
	}
	owner := common.HexToAddress(user)

	ids := uniqueSorted(candidates)
	var out []domain.Balance
	for start := 0; start < len(ids); start += s.chunk {
		end := min(start+s.chunk, len(ids))
		got, err := s.batch(ctx, owner, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	return out, nil
}

func (s *Source) batch(ctx context.Context, owner common.Address, ids []string) ([]domain.Balance, error) {
	accounts := make([]common.Address, len(ids))
	tokens := make([]*big.Int, len(ids))
	for i, id := range ids {
		n, ok := new(big.Int).SetString(id, 10)
		if !ok {
			return nil, fmt.Errorf("ctf: instrument %q is not a token id", id)
		}
		accounts[i] = owner
		tokens[i] = n
	}

	data, err := s.abi.Pack("balanceOfBatch", accounts, tokens)
	if err != nil {
		return nil, fmt.Errorf("ctf: pack balanceOfBatch: %w", err)
	}
	raw, err := s.caller.Call(ctx, s.contract, data)
	if err != nil {
		return nil, fmt.Errorf("ctf: balanceOfBatch: %w", err)
	}

	var balances []*big.Int
	if err := s.abi.UnpackIntoInterface(&balances, "balanceOfBatch", raw); err != nil {
		return nil, fmt.Errorf("ctf: unpack balanceOfBatch: %w", err)
	}
	if len(balances) != len(ids) {
		return nil, fmt.Errorf("ctf: balanceOfBatch returned %d values for %d ids", len(balances), len(ids))
	}

	out := make([]domain.Balance, 0, len(ids))
	for i, b := range balances {
		if b == nil || b.Sign() <= 0 {
			out = append(out, domain.Balance{InstrumentID: ids[i]})
			continue
		}
		if !b.IsInt64() {
			return nil, fmt.Errorf("ctf: balance of %s overflows", ids[i])
		}
		out = append(out, domain.Balance{InstrumentID: ids[i], RawSize: b.Int64()})
	}
	return out, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
