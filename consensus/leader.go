package consensus

import (
	"github.com/tessoudali/nado/core"
	"github.com/tessoudali/nado/crypto"
	"github.com/tessoudali/nado/storage"
)

// penaltyCutoff is the penalty score at which a producer loses eligibility
// for the current window.
const penaltyCutoff = 100

// Producer pairs an eligible IP with its on-file address.
type Producer struct {
	IP      string
	Address string
}

// lotteryTicket is the value each producer tries to minimize: the hash of
// its address concatenated with the parent block's hash. Both inputs are
// identical on every node, so the election is deterministic network-wide.
func lotteryTicket(address, parentHash string) string {
	return crypto.Hash([]byte(address + parentHash))
}

// ElectLeader picks the producer whose ticket is smallest among producers
// whose penalty permits production. Equal tickets break to the
// lexicographically smaller address. Returns nil when no producer is
// eligible.
func ElectLeader(producers []Producer, penalties map[string]int64, parentHash string) *Producer {
	var winner *Producer
	var winningTicket string
	for i := range producers {
		p := producers[i]
		if penalties[p.Address] >= penaltyCutoff {
			continue
		}
		ticket := lotteryTicket(p.Address, parentHash)
		switch {
		case winner == nil,
			ticket < winningTicket,
			ticket == winningTicket && p.Address < winner.Address:
			winner = &producers[i]
			winningTicket = ticket
		}
	}
	return winner
}

// ResolveProducers maps producer IPs to Producer records through the peer
// table. Producers without a stored address cannot hold a ticket and are
// skipped.
func ResolveProducers(ips []string, peers *storage.PeerStore) []Producer {
	out := make([]Producer, 0, len(ips))
	for _, ip := range ips {
		rec, err := peers.GetPeer(ip)
		if err != nil || rec.Address == "" {
			continue
		}
		out = append(out, Producer{IP: ip, Address: rec.Address})
	}
	return out
}

// CandidateReward computes the reward the elected producer may claim for the
// given block number: the configured schedule minus the producer's penalty,
// floored at zero.
func CandidateReward(initial, halvingInterval, number, penalty int64) int64 {
	reward := core.BlockReward(initial, halvingInterval, number)
	if penalty > reward {
		return 0
	}
	return reward - penalty
}
