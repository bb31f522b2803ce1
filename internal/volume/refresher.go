package volume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/pricealert/internal/logger"
	"github.com/rewired-gh/pricealert/internal/models"
)

// BucketSource returns one aggregated bucket per item for the given window ("5m", "1h").
type BucketSource interface {
	FetchVolumeBuckets(ctx context.Context, window string) ([]models.VolumeBucket, error)
}

// Refresher periodically converts hourly buckets into volume records.
type Refresher struct {
	source   BucketSource
	writer   Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewRefresher returns a refresher writing at most once per interval.
func NewRefresher(source BucketSource, writer Writer, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{source: source, writer: writer, interval: interval}
}

// MaybeRefresh refreshes when the interval has elapsed since the last successful refresh.
// It returns the number of records written.
func (r *Refresher) MaybeRefresh(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	due := r.last.IsZero() || now.Sub(r.last) >= r.interval
	r.mu.Unlock()
	if !due {
		return 0, nil
	}

	buckets, err := r.source.FetchVolumeBuckets(ctx, "1h")
	if err != nil {
		return 0, fmt.Errorf("failed to fetch hourly volumes: %w", err)
	}

	recs := make([]models.VolumeRecord, 0, len(buckets))
	for _, b := range buckets {
		v := b.Value()
		if v < 0 {
			continue
		}
		at := b.At
		if at.IsZero() {
			at = now
		}
		recs = append(recs, models.VolumeRecord{ItemID: b.ItemID, Volume: v, At: at})
	}

	if err := r.writer.PutVolumes(ctx, recs); err != nil {
		return 0, fmt.Errorf("failed to store volumes: %w", err)
	}

	r.mu.Lock()
	r.last = now
	r.mu.Unlock()
	logger.Info("Refreshed %d volume records", len(recs))
	return len(recs), nil
}
