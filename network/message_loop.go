package network

import (
	"time"

	"github.com/tessoudali/nado/events"
	"github.com/tessoudali/nado/node"
)

// penaltyDivisor converts negative trust into penalty points.
const penaltyDivisor = 1000

// TrustSource exposes the runtime trust scores sampled by the consensus
// loop.
type TrustSource interface {
	TrustPool() map[string]int64
}

// MessageClient carries asynchronous notifications between loops over the
// named-event bus. Its one producer today is the penalty list: producers
// whose peers have fallen into negative trust accumulate penalty points that
// the core loop deducts from their rewards.
type MessageClient struct {
	memserver   *node.MemServer
	trust       TrustSource
	bus         *events.Bus
	eventName   string
	runInterval time.Duration

	lastEmitted map[string]int64
}

// NewMessageClient creates the notification loop client. eventName is the
// bus event penalty updates are published under.
func NewMessageClient(memserver *node.MemServer, trust TrustSource, bus *events.Bus, eventName string) *MessageClient {
	return &MessageClient{
		memserver:   memserver,
		trust:       trust,
		bus:         bus,
		eventName:   eventName,
		runInterval: 5 * time.Second,
	}
}

// Run publishes penalty updates until done is closed or termination is
// requested.
func (m *MessageClient) Run(done <-chan struct{}) {
	log.Info("Starting Messages")
	ticker := time.NewTicker(m.runInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if m.memserver.Terminating() {
				return
			}
			m.tick()
		}
	}
}

func (m *MessageClient) tick() {
	penalties := m.computePenalties()
	if equalPenalties(penalties, m.lastEmitted) {
		return
	}
	m.lastEmitted = penalties
	m.bus.Emit(m.eventName, penalties)
}

// computePenalties maps producer addresses to penalty points derived from
// their peers' negative trust.
func (m *MessageClient) computePenalties() map[string]int64 {
	penalties := make(map[string]int64)
	for ip, trust := range m.trust.TrustPool() {
		if trust >= 0 {
			continue
		}
		rec, err := m.memserver.Peers.GetPeer(ip)
		if err != nil || rec.Address == "" {
			continue
		}
		penalties[rec.Address] += -trust / penaltyDivisor
	}
	return penalties
}

func equalPenalties(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
