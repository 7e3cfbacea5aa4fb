package network

import (
	"context"
	"net"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/node"
	"github.com/tessoudali/nado/storage"
)

// unreachableGrace is how long an IP stays quarantined before it is probed
// again.
const unreachableGrace = 15 * 60 // seconds

// CheckIP reports whether s parses as an IP address this node would gossip
// with.
func CheckIP(s string) bool {
	return net.ParseIP(s) != nil
}

// PeerClient maintains the peer set: it announces this node, pulls peer
// lists transitively, promotes announced candidates, and prunes
// unreachables.
type PeerClient struct {
	memserver   *node.MemServer
	client      *Client
	runInterval time.Duration
}

// NewPeerClient creates the peer maintenance loop client.
func NewPeerClient(memserver *node.MemServer, client *Client) *PeerClient {
	return &PeerClient{
		memserver:   memserver,
		client:      client,
		runInterval: 10 * time.Second,
	}
}

// Run maintains the peer set until done is closed or termination is
// requested.
func (p *PeerClient) Run(done <-chan struct{}) {
	log.Info("Starting Peers")
	ticker := time.NewTicker(p.runInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if p.memserver.Terminating() {
				return
			}
			p.tick()
		}
	}
}

func (p *PeerClient) tick() {
	ctx := context.Background()

	p.processPurgeList()

	peers := p.memserver.SnapshotPeers()
	if len(peers) == 0 {
		p.bootstrapFromStore()
		peers = p.memserver.SnapshotPeers()
	}

	p.client.CompoundAnnounceSelf(ctx, peers)
	p.discover(ctx, peers)
	p.promoteBuffer()
	p.retryUnreachable(ctx)
}

// bootstrapFromStore seeds the runtime peer list from the persistent table.
func (p *PeerClient) bootstrapFromStore() {
	stored, err := p.memserver.Peers.ListPeers()
	if err != nil {
		log.Warnf("failed to list stored peers: %v", err)
		return
	}
	var candidates []string
	for _, ip := range stored {
		if ip != p.memserver.IP {
			candidates = append(candidates, ip)
		}
	}
	if len(candidates) > 0 {
		p.memserver.SetPeers(candidates)
	}
}

// discover merges remote peer lists and probes new candidates.
func (p *PeerClient) discover(ctx context.Context, peers []string) {
	candidates := p.client.CompoundGetPeers(ctx, peers)

	known := mapset.NewSet[string](peers...)
	known.Add(p.memserver.IP)

	p.memserver.BufferLock.Lock()
	for _, ip := range p.memserver.PeerBuffer {
		known.Add(ip)
	}
	unreachable := make(map[string]int64, len(p.memserver.Unreachable))
	for ip, since := range p.memserver.Unreachable {
		unreachable[ip] = since
	}
	p.memserver.BufferLock.Unlock()

	for _, ip := range candidates {
		if known.Contains(ip) || !CheckIP(ip) {
			continue
		}
		if _, quarantined := unreachable[ip]; quarantined {
			continue
		}
		p.probeAndBuffer(ctx, ip)
	}
}

// probeAndBuffer status-checks a candidate and queues it in the peer buffer.
func (p *PeerClient) probeAndBuffer(ctx context.Context, ip string) {
	status, err := p.client.GetRemoteStatus(ctx, ip)
	if err != nil {
		p.markUnreachable(ip)
		return
	}
	if status.Protocol < p.memserver.Protocol {
		log.Infof("protocol of %s is too low", ip)
		return
	}
	if err := p.memserver.Peers.SavePeer(storage.PeerRecord{
		IP:      ip,
		Address: status.Address,
		Port:    p.client.port,
	}, true); err != nil {
		log.Warnf("failed to save peer %s: %v", ip, err)
		return
	}

	p.memserver.BufferLock.Lock()
	defer p.memserver.BufferLock.Unlock()
	for _, buffered := range p.memserver.PeerBuffer {
		if buffered == ip {
			return
		}
	}
	p.memserver.PeerBuffer = append(p.memserver.PeerBuffer, ip)
	log.Infof("Peer %s added to peer buffer", ip)
}

// promoteBuffer moves buffered candidates into the active peer list.
func (p *PeerClient) promoteBuffer() {
	p.memserver.BufferLock.Lock()
	defer p.memserver.BufferLock.Unlock()
	if len(p.memserver.PeerBuffer) == 0 {
		return
	}
	merged := append(append([]string{}, p.memserver.PeerList...), p.memserver.PeerBuffer...)
	p.memserver.PeerList = core.SetAndSort(merged)
	p.memserver.PeerBuffer = nil
}

// retryUnreachable re-probes quarantined IPs after the grace period and
// forgets the ones that answer.
func (p *PeerClient) retryUnreachable(ctx context.Context) {
	now := time.Now().Unix()

	p.memserver.BufferLock.Lock()
	due := make([]string, 0, len(p.memserver.Unreachable))
	for ip, since := range p.memserver.Unreachable {
		if now-since >= unreachableGrace {
			due = append(due, ip)
		}
	}
	p.memserver.BufferLock.Unlock()

	for _, ip := range due {
		if _, err := p.client.GetRemoteStatus(ctx, ip); err != nil {
			continue
		}
		p.memserver.BufferLock.Lock()
		delete(p.memserver.Unreachable, ip)
		p.memserver.PeerBuffer = append(p.memserver.PeerBuffer, ip)
		p.memserver.BufferLock.Unlock()
		log.Infof("Peer %s is reachable again", ip)
	}
}

// markUnreachable quarantines an IP and removes it from the active list.
func (p *PeerClient) markUnreachable(ip string) {
	p.memserver.BufferLock.Lock()
	defer p.memserver.BufferLock.Unlock()
	p.memserver.Unreachable[ip] = time.Now().Unix()
	filtered := p.memserver.PeerList[:0]
	for _, peer := range p.memserver.PeerList {
		if peer != ip {
			filtered = append(filtered, peer)
		}
	}
	p.memserver.PeerList = filtered
}

// processPurgeList drops peers the core loop queued for removal.
func (p *PeerClient) processPurgeList() {
	p.memserver.BufferLock.Lock()
	purge := p.memserver.PurgePeersList
	p.memserver.PurgePeersList = nil
	p.memserver.BufferLock.Unlock()

	for _, ip := range purge {
		if err := p.memserver.Peers.DeletePeer(ip); err != nil {
			log.Warnf("failed to purge peer %s: %v", ip, err)
		}
		p.markUnreachable(ip)
		log.Warnf("Purged peer %s", ip)
	}
}
