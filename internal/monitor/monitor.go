package monitor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestLog is one request summary kept in the ring. Bodies are never held.
type RequestLog struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	AccountID     string    `json:"account_id"`
	UpstreamURL   string    `json:"upstream_url"`
	RequestModel  string    `json:"request_model"`
	ResolvedModel string    `json:"resolved_model"`
	StatusCode    int       `json:"status_code"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Stream        bool      `json:"stream"`
	DurationMs    int64     `json:"duration_ms"`
	Attempts      int       `json:"attempts"`
}

// Event is emitted to subscribers when a log is appended
type Event struct {
	Type string     `json:"type"`
	Log  RequestLog `json:"log"`
}

const EventLogAppended = "log_appended"

// Stats are the cumulative request counters
type Stats struct {
	Total         uint64            `json:"total"`
	Success       uint64            `json:"success"`
	Failure       uint64            `json:"failure"`
	ByStatusClass map[string]uint64 `json:"by_status_class"`
	ByAccount     map[string]uint64 `json:"by_account"`
	P50LatencyMs  float64           `json:"p50_latency_ms"`
	P95LatencyMs  float64           `json:"p95_latency_ms"`
	DroppedLogs   uint64            `json:"dropped_logs"`
}

// LogSink receives appended summaries for persistence. Append must not block
// the monitor's worker for long; sinks buffer internally.
type LogSink interface {
	Append(l RequestLog)
	Close() error
}

// Config holds monitor configuration
type Config struct {
	Capacity  int  `mapstructure:"capacity"`
	QueueSize int  `mapstructure:"queue_size"`
	Enabled   bool `mapstructure:"enabled"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{Capacity: 1000, QueueSize: 256, Enabled: true}
}

// Monitor keeps a fixed-capacity ring of recent request summaries plus
// cumulative stats. Submission never blocks the proxy pipeline: the bounded
// queue drops its oldest pending entry on overflow.
type Monitor struct {
	capacity int
	submitCh chan RequestLog

	mu    sync.RWMutex
	ring  []RequestLog
	head  int // next write position
	size  int
	stats statsAccum

	enabled atomic.Bool
	dropped atomic.Uint64

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64

	sink LogSink
	done chan struct{}
	wg   sync.WaitGroup
}

type statsAccum struct {
	total         uint64
	success       uint64
	failure       uint64
	byStatusClass map[string]uint64
	byAccount     map[string]uint64
	p50           float64
	p95           float64
}

// New creates a monitor and starts its worker. sink may be nil.
func New(cfg Config, sink LogSink) *Monitor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	m := &Monitor{
		capacity: cfg.Capacity,
		submitCh: make(chan RequestLog, cfg.QueueSize),
		ring:     make([]RequestLog, cfg.Capacity),
		subs:     make(map[uint64]chan Event),
		sink:     sink,
		done:     make(chan struct{}),
	}
	m.stats.byStatusClass = make(map[string]uint64)
	m.stats.byAccount = make(map[string]uint64)
	m.enabled.Store(cfg.Enabled)

	m.wg.Add(1)
	go m.worker()
	return m
}

// Submit enqueues a log without blocking. On a full queue the oldest pending
// entry is discarded and counted.
func (m *Monitor) Submit(l RequestLog) {
	if !m.enabled.Load() {
		return
	}
	select {
	case m.submitCh <- l:
		return
	default:
	}
	// queue full: make room by dropping the oldest pending entry
	select {
	case <-m.submitCh:
		m.dropped.Add(1)
	default:
	}
	select {
	case m.submitCh <- l:
	default:
		m.dropped.Add(1)
	}
}

func (m *Monitor) worker() {
	defer m.wg.Done()
	for {
		select {
		case l := <-m.submitCh:
			m.record(l)
		case <-m.done:
			// drain what is already queued
			for {
				select {
				case l := <-m.submitCh:
					m.record(l)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) record(l RequestLog) {
	m.mu.Lock()
	m.ring[m.head] = l
	m.head = (m.head + 1) % m.capacity
	if m.size < m.capacity {
		m.size++
	}

	m.stats.total++
	if l.StatusCode >= 200 && l.StatusCode < 400 && l.ErrorKind == "" {
		m.stats.success++
	} else {
		m.stats.failure++
	}
	m.stats.byStatusClass[statusClass(l.StatusCode)]++
	if l.AccountID != "" {
		m.stats.byAccount[l.AccountID]++
	}
	sample := float64(l.DurationMs)
	m.stats.p50 = ewmaQuantile(m.stats.p50, sample, 0.50)
	m.stats.p95 = ewmaQuantile(m.stats.p95, sample, 0.95)
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Append(l)
	}
	m.publish(Event{Type: EventLogAppended, Log: l})
}

// GetLogs returns up to limit summaries, newest first
func (m *Monitor) GetLogs(limit int) []RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	out := make([]RequestLog, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.head - 1 - i + m.capacity*2) % m.capacity
		out = append(out, m.ring[idx])
	}
	return out
}

// GetLogDetail returns one summary by id
func (m *Monitor) GetLogDetail(id string) (RequestLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := 0; i < m.size; i++ {
		idx := (m.head - 1 - i + m.capacity*2) % m.capacity
		if m.ring[idx].ID == id {
			return m.ring[idx], true
		}
	}
	return RequestLog{}, false
}

// GetStats returns a consistent snapshot of the cumulative stats
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:         m.stats.total,
		Success:       m.stats.success,
		Failure:       m.stats.failure,
		ByStatusClass: make(map[string]uint64, len(m.stats.byStatusClass)),
		ByAccount:     make(map[string]uint64, len(m.stats.byAccount)),
		P50LatencyMs:  math.Round(m.stats.p50*10) / 10,
		P95LatencyMs:  math.Round(m.stats.p95*10) / 10,
		DroppedLogs:   m.dropped.Load(),
	}
	for k, v := range m.stats.byStatusClass {
		s.ByStatusClass[k] = v
	}
	for k, v := range m.stats.byAccount {
		s.ByAccount[k] = v
	}
	return s
}

// Clear drops the ring contents and resets the counters
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.head, m.size = 0, 0
	m.stats = statsAccum{
		byStatusClass: make(map[string]uint64),
		byAccount:     make(map[string]uint64),
	}
	log.Info().Msg("monitor logs cleared")
}

// SetEnabled gates recording entirely
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether recording is active
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// Subscribe registers an event channel. Subscribers that cannot keep up are
// unsubscribed rather than ever blocking the producer; with no subscribers
// events are silently dropped.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 64)
	m.subs[id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Monitor) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			delete(m.subs, id)
			close(ch)
			log.Warn().Uint64("subscriber", id).Msg("dropped slow monitor subscriber")
		}
	}
}

// Close stops the worker after draining queued logs
func (m *Monitor) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	m.wg.Wait()

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()
}

func statusClass(code int) string {
	if code <= 0 {
		return "0xx"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// ewmaQuantile nudges a running quantile estimate toward the sample; the
// asymmetric steps make the estimate settle near the target quantile
func ewmaQuantile(q, sample, quantile float64) float64 {
	if q == 0 {
		return sample
	}
	step := 0.1 * math.Abs(sample-q)
	if sample > q {
		return q + step*quantile
	}
	return q - step*(1-quantile)
}
