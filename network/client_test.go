package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubClient(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return NewClient(port, "192.168.0.9"), parsed.Hostname()
}

func TestCheckIP(t *testing.T) {
	assert.True(t, CheckIP("127.0.0.1"))
	assert.True(t, CheckIP("2001:db8::1"))
	assert.False(t, CheckIP("not-an-ip"))
	assert.False(t, CheckIP(""))
	assert.False(t, CheckIP("10.0.0.1:9173"))
}

func TestGetRemoteStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"address":           "ndo-peer",
			"latest_block_hash": "h1",
			"protocol":          2,
		})
	})
	client, ip := stubClient(t, mux)

	status, err := client.GetRemoteStatus(context.Background(), ip)
	require.NoError(t, err)
	assert.Equal(t, "ndo-peer", status.Address)
	assert.Equal(t, "h1", status.LatestBlockHash)
	assert.Equal(t, 2, status.Protocol)
}

func TestGetListOfUnwrapsNamedField(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"peers": []string{"10.0.0.1", "10.0.0.2"}})
	})
	client, ip := stubClient(t, mux)

	peers, err := client.GetPeersOf(context.Background(), ip)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, peers)
}

func TestKnowsBlock(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/get_block", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hash") == "known" {
			fmt.Fprint(w, `{"block_hash":"known"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Error: Not found")
	})
	client, ip := stubClient(t, mux)

	known, err := client.KnowsBlock(context.Background(), ip, "known")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = client.KnowsBlock(context.Background(), ip, "unknown")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestStatusPoolCollectsFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"address": "ndo-peer", "protocol": 1})
	})
	client, ip := stubClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	pool, failed := client.StatusPool(ctx, []string{ip})
	cancel()

	assert.Len(t, pool, 1)
	assert.Empty(t, failed)
	assert.Equal(t, "ndo-peer", pool[ip].Address)
}
