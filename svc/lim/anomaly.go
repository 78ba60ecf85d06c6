package lim

import (
	"sync"
	"time"

	"drawchain/metrics"
	"drawchain/svc/util"
)

const (
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector keeps a ring of per-minute request/error buckets and fires
// onAnomaly when the rolling 5xx rate crosses the threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	buckets   []bucket
	cur       int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(minutes int, onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		buckets:   make([]bucket, max(minutes, 1)),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.buckets[d.cur].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.buckets[d.cur].errors++
	d.mu.Unlock()
}

// ErrorRate is the percentage of failed requests across the window.
func (d *AnomalyDetector) ErrorRate() (rate float64, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rateLocked()
}

func (d *AnomalyDetector) rateLocked() (float64, int64) {
	var reqs, errs int64
	for _, b := range d.buckets {
		reqs += b.requests
		errs += b.errors
	}
	if reqs == 0 {
		return 0, 0
	}
	return float64(errs) / float64(reqs) * 100, reqs
}

// Advance closes the current bucket and evaluates the window.
func (d *AnomalyDetector) Advance() {
	d.mu.Lock()
	rate, reqs := d.rateLocked()
	d.cur = (d.cur + 1) % len(d.buckets)
	d.buckets[d.cur] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > anomalyMinRequests && rate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", rate).
			Int64("total_reqs", reqs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
