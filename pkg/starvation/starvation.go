// Package starvation detects actors that have gone too long without
// reaching the active state, and tracks progress across the ring.
// It only detects starvation; it never changes scheduling.
package starvation

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/benbjohnson/clock"
)

// Detector decides whether an actor has exceeded its starvation threshold.
// A nil Detector never reports starvation.
type Detector struct {
	threshold time.Duration
	clock     clock.Clock
}

// NewDetector returns a detector for threshold, or nil when threshold is
// not positive (diagnostic disabled).
func NewDetector(threshold time.Duration, clk clock.Clock) *Detector {
	if threshold <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Detector{threshold: threshold, clock: clk}
}

// Threshold returns the configured threshold.
func (d *Detector) Threshold() time.Duration {
	if d == nil {
		return 0
	}
	return d.threshold
}

// Since returns the time elapsed since lastMeal.
func (d *Detector) Since(lastMeal time.Time) time.Duration {
	if d == nil {
		return 0
	}
	return d.clock.Since(lastMeal)
}

// Starved reports whether more than the threshold has elapsed since lastMeal.
func (d *Detector) Starved(lastMeal time.Time) bool {
	if d == nil {
		return false
	}
	return d.clock.Since(lastMeal) > d.threshold
}

// Tracker records meals and starvation per actor.
type Tracker struct {
	mu       sync.Mutex
	actors   int
	dined    *roaring.Bitmap
	starved  *roaring.Bitmap
	meals    []int64
	lastMeal []time.Time
	total    int64
}

// Progress is a point-in-time view of the tracker.
type Progress struct {
	Actors     int
	Dined      int   // actors that reached Active at least once
	Starved    []int // ids of starved actors
	NeverDined []int
	Meals      []int64
	TotalMeals int64
	MinMeals   int64
	MaxMeals   int64
}

// NewTracker creates a tracker for n actors.
func NewTracker(n int) *Tracker {
	return &Tracker{
		actors:   n,
		dined:    roaring.New(),
		starved:  roaring.New(),
		meals:    make([]int64, n),
		lastMeal: make([]time.Time, n),
	}
}

// RecordMeal notes that actor reached Active at at.
func (t *Tracker) RecordMeal(actor int, at time.Time) {
	if actor < 0 || actor >= t.actors {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dined.Add(uint32(actor))
	t.meals[actor]++
	t.lastMeal[actor] = at
	t.total++
}

// RecordStarved notes that actor entered the starved state.
func (t *Tracker) RecordStarved(actor int) {
	if actor < 0 || actor >= t.actors {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starved.Add(uint32(actor))
}

// TotalMeals returns the number of meals across all actors.
func (t *Tracker) TotalMeals() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// LastMeal returns when actor last reached Active, or the zero time.
func (t *Tracker) LastMeal(actor int) time.Time {
	if actor < 0 || actor >= t.actors {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastMeal[actor]
}

// Progress returns a snapshot of meals and starvation.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		Actors:     t.actors,
		Dined:      int(t.dined.GetCardinality()),
		Meals:      append([]int64(nil), t.meals...),
		TotalMeals: t.total,
	}

	for _, id := range t.starved.ToArray() {
		p.Starved = append(p.Starved, int(id))
	}

	never := roaring.Flip(t.dined, 0, uint64(t.actors))
	for _, id := range never.ToArray() {
		p.NeverDined = append(p.NeverDined, int(id))
	}

	for i, m := range t.meals {
		if i == 0 || m < p.MinMeals {
			p.MinMeals = m
		}
		if m > p.MaxMeals {
			p.MaxMeals = m
		}
	}
	return p
}
