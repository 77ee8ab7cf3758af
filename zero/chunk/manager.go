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

package chunk

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/comm"
	"github.com/techthiyanes/oslo-1/device"
)

// GroupConfig sets how chunks are cut for worker groups of one size.
type GroupConfig struct {
	// ChunkSize is the default chunk capacity in elements. A tensor larger
	// than this still gets a chunk of its own, sized to the tensor.
	ChunkSize int

	// KeepGathered exempts the group's chunks from sharding: the full
	// buffer stays materialized on the fast tier for the whole run.
	KeepGathered bool
}

// RegisterOptions tune the chunk a tensor is packed into. They only take
// effect when the registration opens a new chunk.
type RegisterOptions struct {
	// CPUOffload parks the shard on the host tier after Close.
	CPUOffload bool

	// PinMemory keeps a pinned host copy of the shard so device-to-host
	// moves of unchanged data cost nothing.
	PinMemory bool

	// L2Norm has Reduce record the squared L2 norm of the reduced data.
	L2Norm bool
}

// Manager owns every chunk of a model. It packs registered tensors into
// chunks group by group, runs the chunk operations with memory accounting,
// and tracks which chunks are currently accessed (gathered for use).
//
// All methods are safe for concurrent use; the placement layer's prefetch
// goroutine calls MoveChunk while the training thread does everything else.
type Manager struct {
	mu       sync.Mutex
	accelDev device.Device
	configs  map[int]GroupConfig

	groups *linkedhashmap.Map[string, []*Chunk]
	nextID int
	sealed bool

	accessed    map[*Chunk]struct{}
	accessedMem int64
	totalMem    device.Usage
}

// NewManager creates a chunk manager for the fast tier accelDev. configs
// maps a worker-group size to the chunk configuration used for groups of
// that size; registering a tensor for a group size with no entry fails.
func NewManager(accelDev device.Device, configs map[int]GroupConfig) *Manager {
	if len(configs) == 0 {
		exceptions.Panicf("chunk.NewManager: no group configurations given")
	}
	for w, cfg := range configs {
		if w < 1 {
			exceptions.Panicf("chunk.NewManager: invalid group size %d", w)
		}
		if cfg.ChunkSize < 1 {
			exceptions.Panicf("chunk.NewManager: invalid chunk size %d for group size %d", cfg.ChunkSize, w)
		}
	}
	return &Manager{
		accelDev: accelDev,
		configs:  configs,
		groups:   linkedhashmap.New[string, []*Chunk](),
		accessed: make(map[*Chunk]struct{}),
	}
}

// RegisterTensor packs p into the chunk group named "<groupType>_<W>",
// where W is g's size. The open chunk of the group takes the tensor if it
// fits; otherwise that chunk is closed and a new one opened, sized to
// max(configured size, tensor size). init optionally provides the initial
// flat value. Supplying tensors in a fixed order on every rank is what
// keeps the resulting layout identical across the group.
func (m *Manager) RegisterTensor(p *Parameter, groupType string, g comm.Group, init any, opts RegisterOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return errors.Errorf("chunk groups are closed, cannot register %q", p.Name())
	}
	cfg, ok := m.configs[g.Size()]
	if !ok {
		return errors.Errorf("no chunk configuration for group size %d (registering %q)", g.Size(), p.Name())
	}
	groupName := fmt.Sprintf("%s_%d", groupType, g.Size())
	chunks, _ := m.groups.Get(groupName)

	if n := len(chunks); n > 0 && !chunks[n-1].Closed() {
		open := chunks[n-1]
		err := open.Append(p, init)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrChunkFull) {
			return err
		}
		if err := m.closeChunkLocked(open); err != nil {
			return err
		}
	}

	// W==1 leaves nothing to shard, so such groups always keep the full
	// buffer.
	keep := cfg.KeepGathered || g.Size() == 1
	requested := cfg.ChunkSize
	if p.Size() > requested {
		klog.Warningf("chunk: %s exceeds the configured chunk size %d, giving it a dedicated chunk", p, cfg.ChunkSize)
		requested = p.Size()
	}
	m.nextID++
	c := newChunk(m.nextID, groupName, g, p.shape.DType, requested, m.accelDev, chunkOptions{
		keepGathered: keep,
		cpuOffload:   opts.CPUOffload && !keep,
		pinMemory:    opts.PinMemory && !keep,
		l2Norm:       opts.L2Norm,
	})
	m.totalMem = m.totalMem.Plus(c.MemoryUsage())
	chunks = append(chunks, c)
	m.groups.Put(groupName, chunks)
	if err := c.Append(p, init); err != nil {
		return errors.WithMessagef(err, "appending %q to a fresh chunk", p.Name())
	}
	klog.V(2).Infof("chunk: opened %s for %s", c, p)
	return nil
}

// CloseAll seals the open chunk of every group and ends registration: no
// further RegisterTensor call is valid. No chunk operation works on an
// open chunk.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.groups.Keys() {
		chunks, _ := m.groups.Get(name)
		for _, c := range chunks {
			if !c.Closed() {
				if err := m.closeChunkLocked(c); err != nil {
					return err
				}
			}
		}
	}
	m.sealed = true
	return nil
}

// closeChunkLocked seals c with accounting. Keep-gathered chunks come out
// of Close already materialized, so they enter the accessed set here and
// leave it through reduce or fake release.
func (m *Manager) closeChunkLocked(c *Chunk) error {
	m.totalMem = m.totalMem.Minus(c.MemoryUsage())
	err := c.Close()
	m.totalMem = m.totalMem.Plus(c.MemoryUsage())
	if err != nil {
		return err
	}
	if c.keepGathered {
		m.addAccessedLocked(c)
	}
	klog.V(2).Infof("chunk: closed %s", c)
	return nil
}

// AccessChunk makes c's full buffer available on the fast tier, gathering
// it from the shards if needed, and marks it accessed. Idempotent for a
// chunk already accessed. Returns the bytes copied host-to-device to stage
// the local shard for the gather.
func (m *Manager) AccessChunk(c *Chunk) (h2dBytes int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accessed[c]; ok {
		return 0, nil
	}
	m.totalMem = m.totalMem.Minus(c.MemoryUsage())
	h2dBytes, err = c.Gather()
	m.totalMem = m.totalMem.Plus(c.MemoryUsage())
	if err != nil {
		return h2dBytes, err
	}
	m.addAccessedLocked(c)
	return h2dBytes, nil
}

// ReleaseChunk drops c's full buffer, keeping the local shard on the fast
// tier, and removes it from the accessed set. Fails when c is not accessed,
// is keep-gathered, or still has tensors in use.
func (m *Manager) ReleaseChunk(c *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accessed[c]; !ok {
		return errors.Errorf("chunk #%d is not accessed, cannot release", c.id)
	}
	m.totalMem = m.totalMem.Minus(c.MemoryUsage())
	err := c.Release()
	m.totalMem = m.totalMem.Plus(c.MemoryUsage())
	if err != nil {
		return err
	}
	m.dropAccessedLocked(c)
	return nil
}

// FakeReleaseChunk removes a keep-gathered chunk from the accessed set
// without touching its payload, balancing the access that opened a step.
// All member tensors must be at rest.
func (m *Manager) FakeReleaseChunk(c *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.keepGathered {
		return errors.Errorf("chunk #%d is not keep-gathered, use ReleaseChunk", c.id)
	}
	if _, ok := m.accessed[c]; !ok {
		return errors.Errorf("chunk #%d is not accessed, cannot fake-release", c.id)
	}
	if c.stateCount[StateHold] != len(c.order) {
		return errors.Errorf("chunk #%d has tensors not in HOLD, cannot fake-release", c.id)
	}
	m.dropAccessedLocked(c)
	return nil
}

// ReduceChunk runs c.Reduce with accounting. When the reduction fires the
// chunk leaves the accessed set (its gathered gradients are gone, only the
// reduced shard remains, or the full buffer for keep-gathered chunks).
func (m *Manager) ReduceChunk(c *Chunk) (fired bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMem = m.totalMem.Minus(c.MemoryUsage())
	fired, err = c.Reduce()
	m.totalMem = m.totalMem.Plus(c.MemoryUsage())
	if err != nil {
		return false, err
	}
	if fired {
		m.dropAccessedLocked(c)
	}
	return fired, nil
}

// MoveChunk relocates c's resident payload to dst with accounting. A
// gathered chunk that is not keep-gathered silently stays put: its full
// buffer is in use and will be released soon enough. Returns the bytes
// physically copied.
func (m *Manager) MoveChunk(c *Chunk, dst device.Device, forceCopy bool) (copiedBytes int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.gathered && !c.keepGathered {
		return 0, nil
	}
	m.totalMem = m.totalMem.Minus(c.MemoryUsage())
	copiedBytes, err = c.Move(dst, forceCopy)
	m.totalMem = m.totalMem.Plus(c.MemoryUsage())
	return copiedBytes, err
}

// TransitionTensor moves p's lifecycle state, validating the transition.
func (m *Manager) TransitionTensor(p *Parameter, to TensorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := p.owner
	if c == nil {
		return errors.Errorf("%s is not registered in any chunk", p)
	}
	return c.transState(p.id, to)
}

func (m *Manager) addAccessedLocked(c *Chunk) {
	if _, ok := m.accessed[c]; ok {
		return
	}
	m.accessed[c] = struct{}{}
	m.accessedMem += c.ChunkMem()
}

func (m *Manager) dropAccessedLocked(c *Chunk) {
	if _, ok := m.accessed[c]; !ok {
		return
	}
	delete(m.accessed, c)
	m.accessedMem -= c.ChunkMem()
}

// ChunksOf returns the owning chunks of the given tensors, deduplicated,
// in first-appearance order. Tensors not registered anywhere are skipped.
func (m *Manager) ChunksOf(params []*Parameter) []*Chunk {
	seen := make(map[*Chunk]struct{}, len(params))
	var out []*Chunk
	for _, p := range params {
		c := p.Chunk()
		if c == nil {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// AccessedChunks returns the currently accessed chunks, ordered by id.
func (m *Manager) AccessedChunks() []*Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Chunk, 0, len(m.accessed))
	for c := range m.accessed {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Chunk) int { return a.id - b.id })
	return out
}

// AccessedMem returns the payload bytes of all accessed chunks.
func (m *Manager) AccessedMem() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessedMem
}

// TotalMem returns the per-tier bytes currently occupied by all chunks.
func (m *Manager) TotalMem() device.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalMem
}

// GroupNames returns the chunk-group names in creation order.
func (m *Manager) GroupNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups.Keys()
}

// ChunksOfGroup returns the group's chunks in creation order, nil for an
// unknown group.
func (m *Manager) ChunksOfGroup(name string) []*Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks, _ := m.groups.Get(name)
	return slices.Clone(chunks)
}

// Chunks returns every chunk, groups in creation order.
func (m *Manager) Chunks() []*Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Chunk
	for _, name := range m.groups.Keys() {
		chunks, _ := m.groups.Get(name)
		out = append(out, chunks...)
	}
	return out
}

// String implements fmt.Stringer with a one-line accounting summary.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "chunk.Manager{%s", m.totalMem)
	for _, name := range m.groups.Keys() {
		chunks, _ := m.groups.Get(name)
		fmt.Fprintf(&sb, ", %s: %d chunks", name, len(chunks))
	}
	fmt.Fprintf(&sb, ", accessed: %d}", len(m.accessed))
	return sb.String()
}
