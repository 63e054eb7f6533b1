package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const maxStartupSpread = 10 * time.Second

var spreadSeq uint64

// startupDelay spreads the first tick of processes that start together
// (e.g. after a host reboot) so they do not all contend for the same batch.
// The delay is in [0, min(tick, maxStartupSpread)).
func startupDelay(tick time.Duration, owner string) time.Duration {
	spreadMax := tick
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(owner))
	rng := rand.New(rand.NewSource(seed))
	return time.Duration(rng.Int63n(int64(spreadMax)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
