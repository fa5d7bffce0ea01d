package relay

import (
	"sync"

	"github.com/SwartzMss/MiniRustDesk/network"
	"github.com/prometheus/client_golang/prometheus"
)

type parked struct {
	stream  network.Stream
	claimed chan struct{}
}

// pairingTable holds at most one parked stream per token.
type pairingTable struct {
	mu      sync.Mutex
	waiting map[string]*parked
	gauge   prometheus.Gauge
}

func newPairingTable(gauge prometheus.Gauge) *pairingTable {
	return &pairingTable{
		waiting: make(map[string]*parked),
		gauge:   gauge,
	}
}

// claimOrPark takes the stream parked under token, or parks s when there is
// none. matched reports which happened; when false, entry is s's own entry.
func (t *pairingTable) claimOrPark(token string, s network.Stream) (entry *parked, matched bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if other, ok := t.waiting[token]; ok {
		delete(t.waiting, token)
		close(other.claimed)
		t.gauge.Dec()
		return other, true
	}

	entry = &parked{stream: s, claimed: make(chan struct{})}
	t.waiting[token] = entry
	t.gauge.Inc()
	return entry, false
}

// removeIfParked removes entry if it is still the one parked under token.
// A false result means another connection claimed it first.
func (t *pairingTable) removeIfParked(token string, entry *parked) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.waiting[token] != entry {
		return false
	}
	delete(t.waiting, token)
	t.gauge.Dec()
	return true
}

func (t *pairingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}
