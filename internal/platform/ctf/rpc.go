package ctf

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Caller executes a read-only contract call at the latest block.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// RPCClient issues eth_call against a Polygon JSON-RPC endpoint.
type RPCClient struct {
	eth *ethclient.Client
}

// DialRPC connects to a JSON-RPC endpoint. HTTP endpoints connect lazily.
func DialRPC(ctx context.Context, url string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ctf: dial rpc: %w", err)
	}
	return &RPCClient{eth: c}, nil
}

// Call implements Caller.
func (c *RPCClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		var httpErr rpc.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, httpErr.Body)
		}
		return nil, fmt.Errorf("eth_call: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.eth.Close()
}
