package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
)

// SuccessRate returns successful/total as a rounded percentage, 0 when total is 0
func SuccessRate(total, successful int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(successful) / float64(total) * 100))
}

/* SubscriberStats is the per-subscriber rollup served to reporting surfaces */
type SubscriberStats struct {
	SubscriberID    string     `json:"subscriberId"`
	TotalCalls      int64      `json:"totalCalls"`
	SuccessfulCalls int64      `json:"successfulCalls"`
	FailedCalls     int64      `json:"failedCalls"`
	SuccessRate     int        `json:"successRate"`
	LastCalledAt    *time.Time `json:"lastCalledAt"`
	LastStatus      *int       `json:"lastStatus"`
	LastError       *string    `json:"lastError"`
}

/* OverallStats rolls up every non-deleted subscriber.
 * AverageSuccessRate is the unweighted mean of per-subscriber rates,
 * not a global ratio of successful to total calls.
 */
type OverallStats struct {
	TotalSubscribers   int   `json:"totalSubscribers"`
	ActiveSubscribers  int   `json:"activeSubscribers"`
	TotalCalls         int64 `json:"totalCalls"`
	SuccessfulCalls    int64 `json:"successfulCalls"`
	FailedCalls        int64 `json:"failedCalls"`
	AverageSuccessRate int   `json:"averageSuccessRate"`
}

// Of computes the rollup for a single subscriber record
func Of(s subscriber.Subscriber) SubscriberStats {
	return SubscriberStats{
		SubscriberID:    s.ID,
		TotalCalls:      s.TotalCalls,
		SuccessfulCalls: s.SuccessfulCalls,
		FailedCalls:     s.FailedCalls,
		SuccessRate:     SuccessRate(s.TotalCalls, s.SuccessfulCalls),
		LastCalledAt:    s.LastCalledAt,
		LastStatus:      s.LastStatus,
		LastError:       s.LastError,
	}
}

// Overall computes the rollup across subs; soft-deleted records are skipped
func Overall(subs []subscriber.Subscriber) OverallStats {
	var (
		out     OverallStats
		rateSum int
	)
	for _, s := range subs {
		if s.IsDeleted() {
			continue
		}
		out.TotalSubscribers++
		if s.IsActive {
			out.ActiveSubscribers++
		}
		out.TotalCalls += s.TotalCalls
		out.SuccessfulCalls += s.SuccessfulCalls
		out.FailedCalls += s.FailedCalls
		rateSum += SuccessRate(s.TotalCalls, s.SuccessfulCalls)
	}
	if out.TotalSubscribers > 0 {
		out.AverageSuccessRate = int(math.Round(float64(rateSum) / float64(out.TotalSubscribers)))
	}
	return out
}

/* Aggregator serves read-only rollups from the subscriber store */
type Aggregator struct {
	Store subscriber.Reader
}

func NewAggregator(store subscriber.Reader) *Aggregator {
	return &Aggregator{Store: store}
}

// SubscriberStats returns subscriber.ErrNotFound for unknown ids
func (a *Aggregator) SubscriberStats(ctx context.Context, id string) (SubscriberStats, error) {
	s, err := a.Store.Get(ctx, id)
	if err != nil {
		return SubscriberStats{}, fmt.Errorf("getting subscriber: %w", err)
	}
	return Of(s), nil
}

func (a *Aggregator) OverallStats(ctx context.Context) (OverallStats, error) {
	subs, err := a.Store.List(ctx)
	if err != nil {
		return OverallStats{}, fmt.Errorf("listing subscribers: %w", err)
	}
	return Overall(subs), nil
}
