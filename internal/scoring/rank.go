package scoring

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"arena/pkg/types"
)

// Standing is one participant's cumulative record at ranking time.
type Standing struct {
	UserID       string
	Handle       string
	Score        int
	TotalLatency time.Duration
	JoinedAt     time.Time
	Status       types.ParticipantStatus
}

// Less orders standings by score descending, then total latency ascending,
// then join time ascending. User id breaks any remaining tie so the order
// is total.
func Less(a, b Standing) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.TotalLatency != b.TotalLatency {
		return a.TotalLatency < b.TotalLatency
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.UserID < b.UserID
}

// Rank returns the final ranking. The input is not modified and the output
// depends only on the standings, never on input order.
func Rank(standings []Standing) []types.RankEntry {
	sorted := make([]Standing, len(standings))
	copy(sorted, standings)
	sort.Slice(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })

	return lo.Map(sorted, func(s Standing, i int) types.RankEntry {
		return types.RankEntry{
			Rank:           i + 1,
			UserID:         s.UserID,
			Handle:         s.Handle,
			Score:          s.Score,
			TotalLatencyMs: s.TotalLatency.Milliseconds(),
			Status:         s.Status,
		}
	})
}
