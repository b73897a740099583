// Package stats wraps an expvar Map with a periodic report loop. Counters
// are also visible on /debug/vars through the operator API.
package stats

import (
	"context"
	"expvar"
	"time"
)

type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// New publishes an expvar map under id. If the id was already published
// the existing map is reset and reused, since expvar forbids republishing.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	var m *expvar.Map
	if v := expvar.Get(id); v != nil {
		m = v.(*expvar.Map)
		m.Init()
	} else {
		m = expvar.NewMap(id)
	}
	return &Stats{m, interval, report}
}

// Run invokes the report function every interval until ctx is cancelled.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.reportfunc(s.Map)
		}
	}
}
