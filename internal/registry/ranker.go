package registry

import (
	"sort"

	"missionline/internal/config"
	"missionline/internal/domain"
)

// ScoredBid pairs a bid with the reputation snapshot used when it was scored
// and the resulting score.
type ScoredBid struct {
	Bid        domain.Bid
	Reputation float64
	Score      float64
}

// ScoreBid computes a bid's absolute score. Each term is normalized against a
// fixed reference rather than the rest of the bid set, so inserting one bid
// never rescales the others:
//
//	price against the mission escrow (lower is better),
//	eta against the configured horizon (lower is better),
//	bond against the bid price (higher signals commitment),
//	reputation against the 0..100 scale.
func ScoreBid(w config.RankerConfig, m domain.Mission, b domain.Bid, reputation float64) float64 {
	priceTerm := 1 - clamp01(b.Price/m.Escrow)
	etaTerm := 1 - clamp01(float64(b.EtaMinutes)/float64(w.EtaHorizonMinutes))
	bondTerm := 0.0
	if b.Price > 0 {
		bondTerm = clamp01(b.BondOffered / b.Price)
	}
	repTerm := clamp01(reputation / 100)
	return w.PriceWeight*priceTerm + w.EtaWeight*etaTerm + w.BondWeight*bondTerm + w.ReputationWeight*repTerm
}

// RankBids produces the full deterministic order for a bid set, excluding
// any agents in the exclude set. Ties break on earlier submission, then on
// lower agent id.
func RankBids(w config.RankerConfig, m domain.Mission, bids []domain.Bid, reputations map[string]float64, exclude map[string]bool) []ScoredBid {
	ranked := make([]ScoredBid, 0, len(bids))
	for _, b := range bids {
		if exclude[b.AgentID] {
			continue
		}
		rep := reputations[b.AgentID]
		ranked = append(ranked, ScoredBid{Bid: b, Reputation: rep, Score: ScoreBid(w, m, b, rep)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return outranks(ranked[i], ranked[j]) })
	return ranked
}

// InsertRanked replaces any prior entry from the same agent and inserts the
// scored bid at its position, returning the updated order and the bid's
// 1-based rank. This is the incremental path used while a window is open.
func InsertRanked(ranked []ScoredBid, sb ScoredBid) ([]ScoredBid, int) {
	out := make([]ScoredBid, 0, len(ranked)+1)
	for _, r := range ranked {
		if r.Bid.AgentID == sb.Bid.AgentID {
			continue
		}
		out = append(out, r)
	}
	pos := sort.Search(len(out), func(i int) bool { return !outranks(out[i], sb) })
	out = append(out, ScoredBid{})
	copy(out[pos+1:], out[pos:])
	out[pos] = sb
	return out, pos + 1
}

func outranks(a, b ScoredBid) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Bid.SubmittedAt != b.Bid.SubmittedAt {
		return a.Bid.SubmittedAt < b.Bid.SubmittedAt
	}
	return a.Bid.AgentID < b.Bid.AgentID
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
