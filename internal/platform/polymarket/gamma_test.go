package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

func gammaEvent(id, slug string) map[string]any {
	return map[string]any{
		"id":        id,
		"slug":      slug,
		"title":     "Event " + id,
		"active":    true,
		"closed":    false,
		"updatedAt": "2025-12-24T10:00:00Z",
		"markets": []map[string]any{
			{
				"id":             id + "-m1",
				"question":       "Who wins?",
				"groupItemTitle": "Winner",
				"outcomes":       `["Lakers","Celtics"]`,
				"clobTokenIds":   `["tok-` + id + `-a","tok-` + id + `-b"]`,
				"active":         "true",
			},
			{
				"id":           id + "-closed",
				"closed":       true,
				"outcomes":     `["Yes","No"]`,
				"clobTokenIds": `["x","y"]`,
			},
			{
				"id":           id + "-broken",
				"outcomes":     `["Yes","No"]`,
				"clobTokenIds": `["only-one"]`,
			},
		},
	}
}

func TestActiveContainersPaginates(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		assert.Equal(t, "false", r.URL.Query().Get("closed"))

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		var page []map[string]any
		if offset == 0 {
			for i := 0; i < eventsPageSize; i++ {
				page = append(page, gammaEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("slug-%d", i)))
			}
		} else {
			// e0 repeats across pages.
			page = append(page, gammaEvent("e0", "slug-0"), gammaEvent("last", "slug-last"))
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	got, err := NewGammaClient(srv.URL).ActiveContainers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	require.Len(t, got, eventsPageSize+1)

	first := got[0]
	assert.Equal(t, "e0", first.ID)
	assert.Equal(t, "slug-0", first.Slug)
	assert.True(t, first.Active)
	require.Len(t, first.Slots, 1)
	assert.Equal(t, "Winner", first.Slots[0].Question)
	require.Len(t, first.Slots[0].Outcomes, 2)
	assert.Equal(t, "Lakers", first.Slots[0].Outcomes[0].Label)
	assert.Equal(t, "tok-e0-a", first.Slots[0].Outcomes[0].InstrumentID)
	assert.Equal(t, 2025, first.UpdatedAt.Year())
}

func TestGammaStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events/missing" {
			http.Error(w, "no such event", http.StatusNotFound)
			return
		}
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL)
	_, err := g.GetEvent(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = g.ActiveContainers(context.Background())
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
}
