package workers

import (
	"context"

	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/integrations"
	"github.com/felixgeelhaar/slotwise/internal/queue"
)

// AnalyticsWorker publishes analytics events.
type AnalyticsWorker struct {
	tracker integrations.Tracker
	breaker *breaker.Breaker
}

// NewAnalyticsWorker creates an AnalyticsWorker.
func NewAnalyticsWorker(d Deps) *AnalyticsWorker {
	d = d.withDefaults()
	return &AnalyticsWorker{tracker: d.Tracker, breaker: d.Breakers.Get(BreakerAnalytics)}
}

// Track handles analytics.track.
func (w *AnalyticsWorker) Track(ctx context.Context, _ *queue.Job, p queue.AnalyticsTrack) error {
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.tracker.Track(ctx, integrations.AnalyticsEvent{
			Event:      p.Event,
			BookingID:  p.BookingID,
			Properties: p.Properties,
			OccurredAt: p.OccurredAt,
		})
	})
}
