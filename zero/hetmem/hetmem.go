/*
 *	Copyright 2026 The Oslo Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package hetmem places chunks across the two memory tiers. Before every
// operator access it computes how much fast-tier memory the gathers will
// demand, evicts resting shards to the host when a budget would be
// exceeded, and prefetches the shards the recorded access order says are
// needed next.
//
// PolicyCPU and PolicyAccel are static. PolicyAuto records its first full
// training iteration (the warm-up) into a memtracer trace; from the next
// iteration on it evicts least-soon-needed chunks first and moves the
// following period's shards up on a background mover goroutine. The mover
// never runs a collective, so a wrong look-ahead degrades to a blocking
// move with no correctness loss.
package hetmem

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/zero/chunk"
	"github.com/techthiyanes/oslo-1/zero/memtracer"
)

// Manager decides which tier every chunk lives on. It sits between the
// access hook and the chunk manager: the hook announces each upcoming
// access through AdjustLayout and then gathers through AccessChunk; the
// manager issues all of its own tier changes through chunk.Manager.
//
// All methods run on the training goroutine of one rank, except the mover
// callbacks, which only touch the stats under their own lock.
type Manager struct {
	policy   Policy
	chunks   *chunk.Manager
	accelDev device.Device
	budget   int64

	needWarmup bool
	warmedUp   bool
	trace      *memtracer.MemStats

	// period counts the compute hooks of the current step, aligning the
	// live iteration with the recorded trace.
	period int

	mover *mover

	mu    sync.Mutex
	stats Stats
}

// NewManager builds the placement manager on top of chunks. budgetBytes
// caps the fast tier under PolicyAuto (0 means uncapped). A non-nil,
// non-empty premade trace skips the warm-up iteration; PolicyAuto without
// one starts in warm-up, observing the first iteration instead of
// evicting. Static policies ignore both.
func NewManager(policy Policy, chunks *chunk.Manager, accelDev device.Device, budgetBytes int64, premade *memtracer.MemStats) *Manager {
	m := &Manager{
		policy:   policy,
		chunks:   chunks,
		accelDev: accelDev,
		budget:   budgetBytes,
	}
	if policy == PolicyAuto {
		if premade != nil && !premade.Empty() {
			m.trace = premade
			m.warmedUp = true
		} else {
			m.trace = memtracer.New()
			m.needWarmup = true
		}
		m.mover = newMover(chunks, accelDev, func(bytes int64) {
			m.mu.Lock()
			m.stats.H2DBytes += bytes
			m.mu.Unlock()
		})
	}
	return m
}

// Policy returns the configured placement policy.
func (m *Manager) Policy() Policy { return m.policy }

// IsWarmup reports whether the manager is still recording its first
// iteration and therefore neither evicts nor prefetches.
func (m *Manager) IsWarmup() bool { return m.needWarmup && !m.warmedUp }

// Trace returns the visitation trace: the warm-up recording once it exists,
// or the premade trace the manager was built with. Nil for static policies.
// Rebind it by name to skip warm-up on a rebuilt model.
func (m *Manager) Trace() *memtracer.MemStats { return m.trace }

// DefaultGradsDevice is the tier reduced gradient chunks migrate to when
// nothing more specific was configured: the fast tier under PolicyAccel,
// the host otherwise.
func (m *Manager) DefaultGradsDevice() device.Device {
	if m.policy == PolicyAccel {
		return m.accelDev
	}
	return device.CPU
}

// PreIter opens a training step.
func (m *Manager) PreIter() {
	m.period = 0
}

// PostIter closes the step. The first completed step ends warm-up: from
// the next one on, the recorded trace drives eviction order and prefetch.
func (m *Manager) PostIter() {
	if m.IsWarmup() && !m.trace.Empty() {
		m.warmedUp = true
		klog.V(1).Infof("hetmem: warm-up complete, %d periods, peak fast-tier demand %s",
			m.trace.Periods(), humanize.IBytes(uint64(max(m.trace.MaxDemand(), 0))))
	}
	m.period = 0
}

// ResetAttributes clears the per-iteration tracking without closing the
// step. The inference path uses it: an inference pass advances no trace
// and must not leave the period counter misaligned.
func (m *Manager) ResetAttributes() {
	m.period = 0
}

// AdjustLayout makes room on the fast tier for the chunks the next
// operator access is about to gather. params are the tensors the operator
// touches, toAccess their owning chunks. During warm-up it only records;
// afterwards it evicts per policy and queues the next period's prefetch.
// The error case is PolicyAuto running out of evictable chunks under its
// budget.
func (m *Manager) AdjustLayout(params []*chunk.Parameter, toAccess []*chunk.Chunk) error {
	layoutStart := time.Now()
	defer func() { m.addTime(&m.stats.LayoutTime, time.Since(layoutStart)) }()

	demandStart := time.Now()
	var demand int64
	for _, c := range toAccess {
		if c.IsGathered() {
			continue
		}
		demand += c.ChunkMem()
	}
	m.addTime(&m.stats.DemandTime, time.Since(demandStart))

	if m.IsWarmup() {
		m.trace.RecordAccess(params, demand)
		m.period++
		return nil
	}

	switch m.policy {
	case PolicyAccel:
		// Everything already rests on the fast tier.
	case PolicyCPU:
		m.evictResting(toAccess)
	case PolicyAuto:
		if err := m.evictForBudget(demand, toAccess); err != nil {
			return err
		}
		m.prefetchAhead()
	}
	m.period++
	return nil
}

// AccessChunk gathers c through the chunk manager, first waiting out any
// in-flight prefetch move, and accounts the staging volume.
func (m *Manager) AccessChunk(c *chunk.Chunk) error {
	if m.mover != nil {
		m.mover.wait(c)
	}
	h2d, err := m.chunks.AccessChunk(c)
	if h2d > 0 {
		m.mu.Lock()
		m.stats.H2DBytes += h2d
		m.mu.Unlock()
	}
	return err
}

// MoveChunkTo relocates c with volume accounting. The gradient path uses
// it to park reduced chunks on their destination tier.
func (m *Manager) MoveChunkTo(c *chunk.Chunk, dst device.Device, forceCopy bool) error {
	if m.mover != nil {
		m.mover.wait(c)
	}
	bytes, err := m.chunks.MoveChunk(c, dst, forceCopy)
	if err != nil {
		return err
	}
	if bytes > 0 {
		m.mu.Lock()
		if dst.IsCPU() {
			m.stats.D2HBytes += bytes
		} else {
			m.stats.H2DBytes += bytes
		}
		m.mu.Unlock()
	}
	return nil
}

// Stats returns a snapshot of the cumulative placement counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the background mover. Pending prefetches finish first.
func (m *Manager) Close() {
	if m.mover != nil {
		m.mover.close()
	}
}

// evictResting sends every resting shard outside the access set back to
// the host. This is PolicyCPU's whole strategy: the fast tier holds only
// the gathered working set.
func (m *Manager) evictResting(toAccess []*chunk.Chunk) {
	start := time.Now()
	defer func() { m.addTime(&m.stats.EvictTime, time.Since(start)) }()
	skip := chunkSet(toAccess)
	for _, c := range m.chunks.Chunks() {
		if m.evictable(c, skip) {
			m.moveDown(c)
		}
	}
}

// evictForBudget moves least-soon-needed resting shards to the host until
// the fast tier can hold what the access demands. Errors when no
// evictable chunk remains and the budget still does not close.
func (m *Manager) evictForBudget(demand int64, toAccess []*chunk.Chunk) error {
	if m.budget <= 0 || m.chunks.TotalMem().AccelBytes+demand <= m.budget {
		return nil
	}
	start := time.Now()
	defer func() { m.addTime(&m.stats.EvictTime, time.Since(start)) }()

	skip := chunkSet(toAccess)
	for _, v := range m.victimOrder(skip) {
		if m.chunks.TotalMem().AccelBytes+demand <= m.budget {
			break
		}
		if m.mover != nil {
			m.mover.wait(v)
		}
		m.moveDown(v)
	}
	if used := m.chunks.TotalMem().AccelBytes; used+demand > m.budget {
		return errors.Errorf("placement budget exhausted: %s resident plus %s demanded exceeds the %s fast-tier budget with nothing left to evict",
			humanize.IBytes(uint64(used)), humanize.IBytes(uint64(demand)), humanize.IBytes(uint64(m.budget)))
	}
	return nil
}

// victimOrder returns the evictable chunks, least-soon-needed first. A
// chunk the trace never uses again sorts before everything else.
func (m *Manager) victimOrder(skip map[*chunk.Chunk]struct{}) []*chunk.Chunk {
	next := make(map[*chunk.Chunk]int)
	var out []*chunk.Chunk
	for _, c := range m.chunks.Chunks() {
		if !m.evictable(c, skip) {
			continue
		}
		step, ok := m.trace.NextUseStep(c, m.period)
		if !ok {
			step = math.MaxInt
		}
		next[c] = step
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b *chunk.Chunk) int {
		return cmp.Compare(next[b], next[a])
	})
	return out
}

// evictable: resting on the fast tier, not gathered, never keep-gathered,
// and not part of the access being laid out.
func (m *Manager) evictable(c *chunk.Chunk, skip map[*chunk.Chunk]struct{}) bool {
	if _, ok := skip[c]; ok {
		return false
	}
	return !c.IsGathered() && !c.KeepGathered() && c.Device().IsAccel()
}

func (m *Manager) moveDown(c *chunk.Chunk) {
	bytes, err := m.chunks.MoveChunk(c, device.CPU, false)
	if err != nil {
		klog.Warningf("hetmem: evicting %s failed: %v", c, err)
		return
	}
	if bytes > 0 {
		m.mu.Lock()
		m.stats.D2HBytes += bytes
		m.mu.Unlock()
	}
}

// prefetchAhead queues the next period's chunks for a background move up,
// so their shards reach the fast tier before their gather needs them.
func (m *Manager) prefetchAhead() {
	for _, c := range m.trace.ChunksAt(m.period + 1) {
		if c.IsGathered() || c.Device().IsAccel() {
			continue
		}
		m.mover.enqueue(c)
	}
}

func (m *Manager) addTime(counter *time.Duration, d time.Duration) {
	m.mu.Lock()
	*counter += d
	m.mu.Unlock()
}

func chunkSet(chunks []*chunk.Chunk) map[*chunk.Chunk]struct{} {
	set := make(map[*chunk.Chunk]struct{}, len(chunks))
	for _, c := range chunks {
		set[c] = struct{}{}
	}
	return set
}
