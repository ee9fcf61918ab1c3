package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/logging"
)

// Stat aggregates the durations recorded for one operation name.
type Stat struct {
	Event string
	Count uint64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Stat) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return time.Duration(uint64(s.Total) / s.Count)
}

// Profiler records per-operation call durations for the chunk store and
// datastore maintenance tasks.
type Profiler struct {
	muProfiler sync.Mutex
	stats      map[string]*Stat
}

func New() *Profiler {
	return &Profiler{
		stats: make(map[string]*Stat),
	}
}

func (p *Profiler) RecordEvent(event string, duration time.Duration) {
	p.muProfiler.Lock()
	defer p.muProfiler.Unlock()

	stat, exists := p.stats[event]
	if !exists {
		stat = &Stat{Event: event, Min: duration, Max: duration}
		p.stats[event] = stat
	}

	stat.Total += duration
	if duration < stat.Min {
		stat.Min = duration
	}
	if duration > stat.Max {
		stat.Max = duration
	}
	stat.Count++
}

// Stats returns a snapshot of the recorded statistics sorted by event name.
func (p *Profiler) Stats() []Stat {
	p.muProfiler.Lock()
	defer p.muProfiler.Unlock()

	ret := make([]Stat, 0, len(p.stats))
	for _, stat := range p.stats {
		ret = append(ret, *stat)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Event < ret[j].Event
	})
	return ret
}

func (p *Profiler) Display(logger *logging.Logger) {
	for _, stat := range p.Stats() {
		logger.Profile("%s: calls=%d, min=%s, avg=%s, max=%s, total=%s",
			stat.Event, stat.Count, stat.Min, stat.Average(), stat.Max, stat.Total)
	}
}
