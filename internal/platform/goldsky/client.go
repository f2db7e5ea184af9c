package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Client is a GraphQL client for the Goldsky positions subgraph. It serves
// as a ground-truth balance source.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Goldsky GraphQL client.
//
// graphqlURL is the Goldsky subgraph endpoint, e.g.
// "https://api.goldsky.com/api/public/.../subgraphs/positions-subgraph/0.0.7/gn".
func NewClient(graphqlURL, apiKey string) *Client {
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const balancesPageSize = 1000

// Name identifies this source in logs and metrics.
func (c *Client) Name() string { return "subgraph" }

// Balances returns every non-zero outcome token balance the subgraph holds
// for user. The subgraph enumerates holdings itself, so candidates is
// ignored.
func (c *Client) Balances(ctx context.Context, user string, _ []string) ([]domain.Balance, error) {
	query := `
		query UserBalances($user: String!, $first: Int!, $skip: Int!) {
			userBalances(
				first: $first
				skip: $skip
				where: { user: $user, balance_gt: "0" }
			) {
				asset {
					id
				}
				balance
			}
		}
	`

	var out []domain.Balance
	for skip := 0; ; skip += balancesPageSize {
		variables := map[string]any{
			"user":  strings.ToLower(user),
			"first": balancesPageSize,
			"skip":  skip,
		}
		respData, err := c.doQuery(ctx, query, variables)
		if err != nil {
			return nil, fmt.Errorf("goldsky: fetch balances: %w", err)
		}

		var result struct {
			UserBalances []struct {
				Asset struct {
					ID string `json:"id"`
				} `json:"asset"`
				Balance string `json:"balance"`
			} `json:"userBalances"`
		}
		if err := json.Unmarshal(respData, &result); err != nil {
			return nil, fmt.Errorf("goldsky: decode balances: %w", err)
		}

		for _, b := range result.UserBalances {
			raw, err := strconv.ParseInt(b.Balance, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("goldsky: balance %q for %s: %w", b.Balance, b.Asset.ID, err)
			}
			if raw <= 0 || b.Asset.ID == "" {
				continue
			}
			out = append(out, domain.Balance{InstrumentID: b.Asset.ID, RawSize: raw})
		}
		if len(result.UserBalances) < balancesPageSize {
			return out, nil
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doQuery executes a GraphQL query against the Goldsky endpoint and returns
// the raw "data" field from the response.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	reqBody := graphqlRequest{
		Query:     query,
		Variables: variables,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
