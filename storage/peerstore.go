package storage

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tessoudali/nado/core"
)

const prefixPeer = "peer:"

// PeerRecord is a stored peer with its trust score.
type PeerRecord struct {
	IP      string `json:"ip"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Trust   int64  `json:"peer_trust"`
}

// PeerStore persists peer records. A single mutex serializes every mutation
// of the peer table, the moral equivalent of the original's peer file lock.
type PeerStore struct {
	mu       sync.Mutex
	db       DB
	minTrust int64
	maxTrust int64
}

// NewPeerStore creates a PeerStore with trust saturated into [min, max].
func NewPeerStore(db DB, minTrust, maxTrust int64) *PeerStore {
	return &PeerStore{db: db, minTrust: minTrust, maxTrust: maxTrust}
}

// SavePeer writes a peer record. With overwrite unset an existing record is
// left untouched, preserving its accumulated trust.
func (p *PeerStore) SavePeer(rec PeerRecord, overwrite bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !overwrite {
		if _, err := p.db.Get([]byte(prefixPeer + rec.IP)); err == nil {
			return nil
		}
	}
	rec.Trust = p.clamp(rec.Trust)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(prefixPeer+rec.IP), data)
}

// GetPeer returns the record stored for ip.
func (p *PeerStore) GetPeer(ip string) (*PeerRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getPeer(ip)
}

func (p *PeerStore) getPeer(ip string) (*PeerRecord, error) {
	data, err := p.db.Get([]byte(prefixPeer + ip))
	if err != nil {
		return nil, err
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IPStored reports whether a record exists for ip.
func (p *PeerStore) IPStored(ip string) bool {
	_, err := p.GetPeer(ip)
	return err == nil
}

// LoadTrust returns the trust score of ip; unknown peers read as zero trust.
func (p *PeerStore) LoadTrust(ip string) int64 {
	rec, err := p.GetPeer(ip)
	if err != nil {
		return 0
	}
	return rec.Trust
}

// AdjustTrust applies a signed delta to a peer's trust, saturating into the
// configured bounds. Unknown peers are created at the delta.
func (p *PeerStore) AdjustTrust(ip string, delta int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.getPeer(ip)
	if errors.Is(err, ErrNotFound) {
		rec = &PeerRecord{IP: ip}
	} else if err != nil {
		return err
	}
	rec.Trust = p.clamp(rec.Trust + delta)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(prefixPeer+rec.IP), data)
}

// DeletePeer removes the record for ip.
func (p *PeerStore) DeletePeer(ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Delete([]byte(prefixPeer + ip))
}

// ListPeers returns every stored peer IP, sorted.
func (p *PeerStore) ListPeers() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ips []string
	it := p.db.NewIterator([]byte(prefixPeer))
	defer it.Release()
	for it.Next() {
		ips = append(ips, string(it.Key())[len(prefixPeer):])
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return core.SetAndSort(ips), nil
}

func (p *PeerStore) clamp(trust int64) int64 {
	if trust < p.minTrust {
		return p.minTrust
	}
	if trust > p.maxTrust {
		return p.maxTrust
	}
	return trust
}
