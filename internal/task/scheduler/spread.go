package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// spreadSchedule delays only the first run of an interval schedule so that
// jobs registered together do not fire in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func intervalWithSpread(every, maxSpread time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	if maxSpread > every {
		maxSpread = every
	}
	if maxSpread <= 0 {
		return base, 0
	}
	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(name))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(maxSpread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
