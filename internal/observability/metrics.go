package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64
	opened       map[string]int64
	closed       map[string]int64
	renewals     int64
	dropped      int64
}

// Snapshot is a point-in-time copy of the ticket counters.
type Snapshot struct {
	Opened   map[string]int64 `json:"opened"`
	Closed   map[string]int64 `json:"closed"`
	Errors   map[string]int64 `json:"errors"`
	Renewals int64            `json:"renewals"`
	Dropped  int64            `json:"dropped"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
		opened:       make(map[string]int64),
		closed:       make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordOpened counts a ticket opened under category.
func (m *Metrics) RecordOpened(category string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened[category]++
}

// RecordClosed counts a teardown by close mode.
func (m *Metrics) RecordClosed(mode string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[mode]++
}

// RecordRenewal counts an inactivity timer renewal.
func (m *Metrics) RecordRenewal() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals++
}

// RecordDropped counts a registry entry dropped at reload.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

// Snapshot copies the ticket counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Opened:   copyCounts(m.opened),
		Closed:   copyCounts(m.closed),
		Errors:   copyCounts(m.errorCount),
		Renewals: m.renewals,
		Dropped:  m.dropped,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
