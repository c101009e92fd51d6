package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache performance. It is always collected.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	currentSize atomic.Int64
	startTime   time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) Hit()               { s.hits.Add(1) }
func (s *Statistics) Miss()              { s.misses.Add(1) }
func (s *Statistics) Set()               { s.sets.Add(1) }
func (s *Statistics) Delete()            { s.deletes.Add(1) }
func (s *Statistics) Eviction()          { s.evictions.Add(1) }
func (s *Statistics) SetSize(size int64) { s.currentSize.Store(size) }

func (s *Statistics) Hits() int64      { return s.hits.Load() }
func (s *Statistics) Misses() int64    { return s.misses.Load() }
func (s *Statistics) Sets() int64      { return s.sets.Load() }
func (s *Statistics) Deletes() int64   { return s.deletes.Load() }
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }
func (s *Statistics) Size() int64      { return s.currentSize.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no requests
func (s *Statistics) HitRatio() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Summary is a point-in-time copy of the statistics
type Summary struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Sets      int64         `json:"sets"`
	Deletes   int64         `json:"deletes"`
	Evictions int64         `json:"evictions"`
	Size      int64         `json:"size"`
	HitRatio  float64       `json:"hit_ratio"`
	Uptime    time.Duration `json:"uptime"`
}

// Summary returns a snapshot of the statistics
func (s *Statistics) Summary() Summary {
	return Summary{
		Hits:      s.Hits(),
		Misses:    s.Misses(),
		Sets:      s.Sets(),
		Deletes:   s.Deletes(),
		Evictions: s.Evictions(),
		Size:      s.Size(),
		HitRatio:  s.HitRatio(),
		Uptime:    time.Since(s.startTime),
	}
}
