// Package network implements the HTTP gossip side of the node: the outbound
// client operations and the peer and message loops.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/tessoudali/nado/core"
)

var log = logger.WithFields(logger.Fields{"prefix": "network"})

// Per-call budgets from the gossip contract.
const (
	statusTimeout   = 10 * time.Second
	listTimeout     = 3 * time.Second
	announceTimeout = 10 * time.Second

	statusRetries   = 10
	listRetries     = 3
	announceRetries = 10

	retrySleep = 300 * time.Millisecond
)

// Status is a peer's self-reported state.
type Status struct {
	ReportedUptime      int64  `json:"reported_uptime"`
	Address             string `json:"address"`
	TransactionPoolHash string `json:"transaction_pool_hash"`
	BlockProducersHash  string `json:"block_producers_hash"`
	LatestBlockHash     string `json:"latest_block_hash"`
	EarliestBlockHash   string `json:"earliest_block_hash"`
	Protocol            int    `json:"protocol"`
	Version             string `json:"version"`
}

// Client performs outbound gossip calls against peer nodes.
type Client struct {
	port   int
	selfIP string
	http   *http.Client
}

// NewClient creates a gossip client that dials peers on port and announces
// selfIP.
func NewClient(port int, selfIP string) *Client {
	return &Client{
		port:   port,
		selfIP: selfIP,
		// Per-request deadlines come from the call sites.
		http: &http.Client{},
	}
}

func (c *Client) url(ip, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ip, c.port, path)
}

// fetch performs a GET with the given per-attempt timeout and retry budget.
func (c *Client) fetch(ctx context.Context, url string, timeout time.Duration, retries int) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, 0, err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			if readErr == nil {
				return body, resp.StatusCode, nil
			}
			lastErr = readErr
		} else {
			cancel()
			lastErr = err
		}
		time.Sleep(retrySleep)
	}
	return nil, 0, fmt.Errorf("fetch %s: %w", url, lastErr)
}

// GetRemoteStatus fetches a peer's /status.
func (c *Client) GetRemoteStatus(ctx context.Context, ip string) (*Status, error) {
	body, code, err := c.fetch(ctx, c.url(ip, "/status"), statusTimeout, statusRetries)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("status of %s: http %d", ip, code)
	}
	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", ip, err)
	}
	return &status, nil
}

// GetListOf fetches /<key> from a peer and decodes the named wrapper into
// out, which must be a pointer to the expected list type.
func (c *Client) GetListOf(ctx context.Context, key, ip string, out any) error {
	body, code, err := c.fetch(ctx, c.url(ip, "/"+key), listTimeout, listRetries)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("%s of %s: http %d", key, ip, code)
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return fmt.Errorf("decode %s of %s: %w", key, ip, err)
	}
	raw, ok := wrapper[key]
	if !ok {
		return fmt.Errorf("%s of %s: field missing", key, ip)
	}
	return json.Unmarshal(raw, out)
}

// AnnounceSelf asks a peer to add us to its peer buffer.
func (c *Client) AnnounceSelf(ctx context.Context, ip string) error {
	url := c.url(ip, "/announce_peer?ip="+c.selfIP)
	_, code, err := c.fetch(ctx, url, announceTimeout, announceRetries)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("announce to %s: http %d", ip, code)
	}
	return nil
}

// KnowsBlock asks whether the peer stores the block with hash.
func (c *Client) KnowsBlock(ctx context.Context, ip, hash string) (bool, error) {
	_, code, err := c.fetch(ctx, c.url(ip, "/get_block?hash="+hash), listTimeout, listRetries)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("knows_block on %s: http %d", ip, code)
	}
}

// GetBlocksAfter fetches up to count successors of fromHash by child-hash
// traversal.
func (c *Client) GetBlocksAfter(ctx context.Context, ip, fromHash string, count int) ([]*core.Block, error) {
	url := c.url(ip, fmt.Sprintf("/get_blocks_after?hash=%s&count=%d", fromHash, count))
	body, code, err := c.fetch(ctx, url, statusTimeout, listRetries)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("blocks after %s from %s: http %d", fromHash, ip, code)
	}
	var wrapper struct {
		BlocksAfter []*core.Block `json:"blocks_after"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode blocks of %s: %w", ip, err)
	}
	return wrapper.BlocksAfter, nil
}

// GetTransactionPool fetches a peer's full transaction pool.
func (c *Client) GetTransactionPool(ctx context.Context, ip string) ([]*core.Transaction, error) {
	var pool []*core.Transaction
	if err := c.GetListOf(ctx, "transaction_pool", ip, &pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// GetBlockProducers fetches a peer's block-producer set.
func (c *Client) GetBlockProducers(ctx context.Context, ip string) ([]string, error) {
	var producers []string
	if err := c.GetListOf(ctx, "block_producers", ip, &producers); err != nil {
		return nil, err
	}
	return producers, nil
}

// GetPeersOf fetches a peer's peer list.
func (c *Client) GetPeersOf(ctx context.Context, ip string) ([]string, error) {
	var peers []string
	if err := c.GetListOf(ctx, "peers", ip, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// StatusPool fans out status probes to every IP concurrently and collects
// the successes. Failed IPs land in the returned fail list.
func (c *Client) StatusPool(ctx context.Context, ips []string) (map[string]*Status, []string) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		pool   = make(map[string]*Status, len(ips))
		failed []string
	)
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			status, err := c.GetRemoteStatus(ctx, ip)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Infof("failed to get status of %s: %v", ip, err)
				failed = append(failed, ip)
				return
			}
			pool[ip] = status
		}(ip)
	}
	wg.Wait()
	return pool, failed
}

// CompoundGetPeers merges the peer lists of every IP, deduplicated.
func (c *Client) CompoundGetPeers(ctx context.Context, ips []string) []string {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		merged []string
	)
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			peers, err := c.GetPeersOf(ctx, ip)
			if err != nil {
				log.Infof("failed to get peers of %s: %v", ip, err)
				return
			}
			mu.Lock()
			merged = append(merged, peers...)
			mu.Unlock()
		}(ip)
	}
	wg.Wait()
	return core.SetAndSort(merged)
}

// CompoundAnnounceSelf announces this node to every IP concurrently.
func (c *Client) CompoundAnnounceSelf(ctx context.Context, ips []string) {
	var wg sync.WaitGroup
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			if err := c.AnnounceSelf(ctx, ip); err != nil {
				log.Infof("failed to announce self to %s: %v", ip, err)
			}
		}(ip)
	}
	wg.Wait()
}
