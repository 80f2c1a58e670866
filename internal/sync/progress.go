package sync

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"fitsync/internal/logger"
)

// progressTracker turns per-table events into a pass-wide percentage that
// never goes backwards, even with tables running concurrently.
type progressTracker struct {
	mu        sync.Mutex
	fn        func(Progress)
	tables    int
	fraction  map[string]float64
	completed int
	total     int
	last      float64
}

func newProgressTracker(fn func(Progress), tables int) *progressTracker {
	return &progressTracker{fn: fn, tables: tables, fraction: map[string]float64{}}
}

// update sets how far table has come (0..1) and adds to the item counters.
func (p *progressTracker) update(table string, fraction float64, completed, total int, op string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if fraction > p.fraction[table] {
		p.fraction[table] = min(fraction, 1)
	}
	p.completed += completed
	p.total += total

	pct := 0.0
	if p.tables > 0 {
		sum := 0.0
		for _, f := range p.fraction {
			sum += f
		}
		pct = sum / float64(p.tables) * 100
	}
	p.last = max(p.last, min(pct, 100))
	p.emit(op)
}

func (p *progressTracker) finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 100
	p.emit("Sync complete")
}

// emit must be called with mu held so callbacks observe updates in order.
func (p *progressTracker) emit(op string) {
	if p.fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Progress callback panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	p.fn(Progress{
		Percentage:       int(math.Floor(p.last)),
		CurrentOperation: op,
		CompletedItems:   p.completed,
		TotalItems:       max(p.total, p.completed),
	})
}
