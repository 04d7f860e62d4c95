package health

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"portbridge/internal/shared/logger"
	"portbridge/internal/shared/types"
)

// Record is one backend's health snapshot. Written only by that
// backend's probe loop; readers get a consistent copy via an atomic
// pointer swap.
type Record struct {
	Status          types.Status
	ConsecutivePass int
	ConsecutiveFail int
	LastChecked     time.Time
}

// TransitionFunc is invoked after a backend's status changes.
type TransitionFunc func(backend *types.BackendSpec, from, to types.Status, rec Record)

type backendState struct {
	spec   *types.BackendSpec
	record atomic.Pointer[Record]
}

// Checker probes every backend on its own schedule and keeps a
// hysteretic up/down verdict per backend. Probes are plain TCP
// connect-and-close, bounded by the backend's check timeout.
type Checker struct {
	states []*backendState
	index  map[*types.BackendSpec]*backendState

	onTransition TransitionFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Checker for the given backends. All records start UNKNOWN.
func New(backends []*types.BackendSpec) *Checker {
	c := &Checker{
		index:  make(map[*types.BackendSpec]*backendState, len(backends)),
		stopCh: make(chan struct{}),
	}
	for _, spec := range backends {
		st := &backendState{spec: spec}
		st.record.Store(&Record{Status: types.StatusUnknown})
		c.states = append(c.states, st)
		c.index[spec] = st
	}
	return c
}

// OnTransition registers a callback for status changes. Must be set
// before Start.
func (c *Checker) OnTransition(fn TransitionFunc) {
	c.onTransition = fn
}

// Start launches one probe loop per backend. A slow or unreachable
// backend never delays probing of the others.
func (c *Checker) Start() {
	for _, st := range c.states {
		c.wg.Add(1)
		go c.probeLoop(st)
	}
}

// Stop halts scheduling of new probes. In-flight probes finish or time
// out naturally. Safe to call more than once.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Status returns the current verdict for a backend, UNKNOWN if the
// backend is not managed by this checker.
func (c *Checker) Status(spec *types.BackendSpec) types.Status {
	st, ok := c.index[spec]
	if !ok {
		return types.StatusUnknown
	}
	return st.record.Load().Status
}

// Health returns the full current record for a backend.
func (c *Checker) Health(spec *types.BackendSpec) Record {
	st, ok := c.index[spec]
	if !ok {
		return Record{Status: types.StatusUnknown}
	}
	return *st.record.Load()
}

// BackendReport pairs a backend with its current record, for the
// status surface.
type BackendReport struct {
	Backend *types.BackendSpec
	Record  Record
}

// Snapshot returns the current record of every backend in configured order.
func (c *Checker) Snapshot() []BackendReport {
	out := make([]BackendReport, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, BackendReport{Backend: st.spec, Record: *st.record.Load()})
	}
	return out
}

func (c *Checker) probeLoop(st *backendState) {
	defer c.wg.Done()

	ticker := time.NewTicker(st.spec.CheckInterval)
	defer ticker.Stop()

	// First probe immediately so listeners leave UNKNOWN without
	// waiting a full interval.
	c.probe(st)

	for {
		select {
		case <-ticker.C:
			c.probe(st)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) probe(st *backendState) {
	addr := st.spec.Address()
	conn, err := net.DialTimeout("tcp", addr, st.spec.CheckTimeout)
	if err == nil {
		conn.Close()
	}
	c.apply(st, err)
}

// apply feeds one probe outcome into the hysteresis counters. The
// probe loop is the record's only writer, so a load-modify-store is
// race free; readers always see a complete record.
func (c *Checker) apply(st *backendState, probeErr error) {
	prev := st.record.Load()
	next := &Record{
		Status:      prev.Status,
		LastChecked: time.Now(),
	}

	if probeErr == nil {
		next.ConsecutivePass = prev.ConsecutivePass + 1
		if next.ConsecutivePass >= st.spec.UpThreshold {
			next.Status = types.StatusUp
		}
	} else {
		next.ConsecutiveFail = prev.ConsecutiveFail + 1
		if next.ConsecutiveFail >= st.spec.DownThreshold {
			next.Status = types.StatusDown
		}
		logger.Debug().
			Str("backend", st.spec.Address()).
			Int("consecutive_fail", next.ConsecutiveFail).
			Err(probeErr).
			Msgf("Health probe failed")
	}

	st.record.Store(next)

	if next.Status != prev.Status {
		logger.Info().
			Str("backend", st.spec.Address()).
			Str("from", prev.Status.String()).
			Str("to", next.Status.String()).
			Int("consecutive_pass", next.ConsecutivePass).
			Int("consecutive_fail", next.ConsecutiveFail).
			Msgf("Backend health transition")
		if c.onTransition != nil {
			c.onTransition(st.spec, prev.Status, next.Status, *next)
		}
	}
}
