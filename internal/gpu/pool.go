package gpu

import (
	"sync"

	"github.com/ternarybob/arbor"
)

// Pool tracks exclusive allocation of accelerator devices to jobs.
// All mutation happens under a single mutex; contention is bounded by queue
// events, not per-request traffic.
type Pool struct {
	mu     sync.Mutex
	all    []string          // full ordered set of device indices
	free   map[string]bool   // subset currently unallocated
	held   map[string]string // device_id -> job_id
	logger arbor.ILogger
}

// NewPool creates a device pool holding the given device indices, all free.
func NewPool(deviceIDs []string, logger arbor.ILogger) *Pool {
	p := &Pool{
		all:    append([]string(nil), deviceIDs...),
		free:   make(map[string]bool, len(deviceIDs)),
		held:   make(map[string]string),
		logger: logger,
	}
	for _, id := range deviceIDs {
		p.free[id] = true
	}
	logger.Info().Strs("gpu_ids", p.all).Msg("Device pool initialized")
	return p
}

// Acquire allocates a free device to the job, or returns ("", false) when
// all devices are busy. Selection is the lowest free index.
func (p *Pool) Acquire(jobID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.all {
		if p.free[id] {
			delete(p.free, id)
			p.held[id] = jobID
			p.logger.Debug().Str("device_id", id).Str("job_id", jobID).Msg("Device acquired")
			return id, true
		}
	}
	return "", false
}

// Release returns a device to the pool. Unknown or already-free ids are
// logged and ignored so release stays idempotent.
func (p *Pool) Release(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	jobID, ok := p.held[deviceID]
	if !ok {
		p.logger.Warn().Str("device_id", deviceID).Msg("Release of device not held by any job")
		return
	}
	delete(p.held, deviceID)
	p.free[deviceID] = true
	p.logger.Debug().Str("device_id", deviceID).Str("job_id", jobID).Msg("Device released")
}

// Pin marks a device as held by a job without going through Acquire.
// Used on reconfiguration to carry running jobs' holdings into a new pool.
func (p *Pool) Pin(deviceID, jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.free[deviceID] {
		return false
	}
	delete(p.free, deviceID)
	p.held[deviceID] = jobID
	return true
}

// AvailableCount returns the number of free devices
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// AvailableList returns the free device ids in pool order
func (p *Pool) AvailableList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for _, id := range p.all {
		if p.free[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// HeldMap returns a copy of the device_id -> job_id assignments
func (p *Pool) HeldMap() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := make(map[string]string, len(p.held))
	for k, v := range p.held {
		held[k] = v
	}
	return held
}

// Total returns the number of devices in the pool
func (p *Pool) Total() int {
	return len(p.all)
}

// All returns the full ordered device list
func (p *Pool) All() []string {
	return append([]string(nil), p.all...)
}
