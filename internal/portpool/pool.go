// Package portpool tracks the contiguous range of TCP ports available for
// worker endpoints, partitioned at all times into a free set and an allocated
// set.
package portpool

import (
	"sort"
	"sync"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/logging"
)

// Pool manages free/allocated ports within a configured range.
// It is the single point of mutation for port ownership; all methods are safe
// for concurrent use.
//
// Invariant: free and allocated are disjoint and their union is always the
// full configured range.
type Pool struct {
	mu        sync.Mutex
	start     int
	end       int
	free      []int // Sorted ascending; lowest port is allocated first
	allocated map[int]bool
	logger    *logging.Logger
}

// Status is a point-in-time snapshot of the pool's partition.
type Status struct {
	Start     int   `json:"start"`
	End       int   `json:"end"`
	Total     int   `json:"total"`
	Free      int   `json:"free"`
	Allocated []int `json:"allocated"`
}

// New creates a pool covering [start, end] inclusive.
func New(start, end int, logger *logging.Logger) (*Pool, error) {
	if start < 1 || end > 65535 || end < start {
		return nil, errors.NewWorkerError("invalid port range", errors.ErrPortOutOfRange).WithPort(start)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	free := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		free = append(free, p)
	}

	return &Pool{
		start:     start,
		end:       end,
		free:      free,
		allocated: make(map[int]bool),
		logger:    logger.WithComponent("portpool"),
	}, nil
}

// Allocate takes the lowest free port from the pool.
// Returns ErrPoolExhausted when no ports remain.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, errors.NewWorkerError("no free ports", errors.ErrPoolExhausted)
	}

	port := p.free[0]
	p.free = p.free[1:]
	p.allocated[port] = true

	p.logger.Debug("port allocated", "port", port, "free_remaining", len(p.free))
	return port, nil
}

// Release returns a port to the free set. It is idempotent: releasing a port
// that is already free is a no-op, logged as an anomaly since it usually means
// a teardown path ran twice.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.start || port > p.end {
		p.logger.Warn("release of port outside pool range", "port", port)
		return
	}
	if !p.allocated[port] {
		p.logger.Warn("release of already-free port", "port", port)
		return
	}

	delete(p.allocated, port)
	p.free = append(p.free, port)
	sort.Ints(p.free)

	p.logger.Debug("port released", "port", port, "free_remaining", len(p.free))
}

// Status returns a snapshot of the pool partition with the allocated ports in
// ascending order.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated := make([]int, 0, len(p.allocated))
	for port := range p.allocated {
		allocated = append(allocated, port)
	}
	sort.Ints(allocated)

	return Status{
		Start:     p.start,
		End:       p.end,
		Total:     p.end - p.start + 1,
		Free:      len(p.free),
		Allocated: allocated,
	}
}

// FreeCount returns the number of ports currently free.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
