package ctf

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

const user = "0x00000000000000000000000000000000000000aa"

// fakeChain answers balanceOfBatch from a fixed table.
type fakeChain struct {
	t        *testing.T
	src      *Source
	holdings map[string]int64
	calls    int
}

func (f *fakeChain) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	f.calls++
	assert.Equal(f.t, common.HexToAddress(DefaultContract), to)

	method := f.src.abi.Methods["balanceOfBatch"]
	require.Equal(f.t, method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(f.t, err)
	accounts := args[0].([]common.Address)
	ids := args[1].([]*big.Int)

	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		assert.Equal(f.t, common.HexToAddress(user), accounts[i])
		out[i] = big.NewInt(f.holdings[id.String()])
	}
	return method.Outputs.Pack(out)
}

func TestBalancesChunksAndReportsZeros(t *testing.T) {
	fc := &fakeChain{t: t, holdings: map[string]int64{"101": 650000, "103": 1}}
	src, err := NewSource(fc, DefaultContract, 2)
	require.NoError(t, err)
	fc.src = src

	got, err := src.Balances(context.Background(), user, []string{"103", "101", "102", "101", ""})
	require.NoError(t, err)
	assert.Equal(t, 2, fc.calls)
	assert.Equal(t, []domain.Balance{
		{InstrumentID: "101", RawSize: 650000},
		{InstrumentID: "102", RawSize: 0},
		{InstrumentID: "103", RawSize: 1},
	}, got)
	assert.Equal(t, "chain", src.Name())
}

func TestBalancesRejectsBadInput(t *testing.T) {
	_, err := NewSource(&fakeChain{}, "nope", 10)
	require.Error(t, err)

	fc := &fakeChain{t: t}
	src, err := NewSource(fc, DefaultContract, 10)
	require.NoError(t, err)
	fc.src = src

	_, err = src.Balances(context.Background(), "not-an-address", []string{"1"})
	require.Error(t, err)
	_, err = src.Balances(context.Background(), user, []string{"tok-abc"})
	require.Error(t, err)
	assert.Zero(t, fc.calls)
}

func TestRPCClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_call", req.Method)
		require.Len(t, req.Params, 2)
		var args map[string]string
		require.NoError(t, json.Unmarshal(req.Params[0], &args))

		w.Header().Set("Content-Type", "application/json")
		if args["to"] == "0x0000000000000000000000000000000000000bad" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32000,"message":"execution reverted"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0xbeef"}`))
	}))
	defer srv.Close()

	c, err := DialRPC(context.Background(), srv.URL)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Call(context.Background(), common.HexToAddress(DefaultContract), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, hexutil.MustDecode("0xbeef"), got)

	_, err = c.Call(context.Background(), common.HexToAddress("0xbad"), []byte{1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}

func TestRPCClientRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := DialRPC(context.Background(), srv.URL)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), common.HexToAddress(DefaultContract), []byte{1})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}
