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

// Package chunk packs many small tensors into large fixed-capacity buffers
// ("chunks") sharded 1/W across a worker group, and tracks each tensor's
// readiness state through the training step.
//
// A Chunk owns one contiguous flat buffer. While training computes with the
// tensors inside it, the chunk is "gathered": the full buffer is
// materialized on the fast device by an all-gather of the per-rank shards.
// At rest only the local 1/W shard is kept, on whichever memory tier the
// placement layer chose. Gradients accumulate into the gathered buffer and
// leave it through one reduce-scatter per chunk per step.
//
// Manager is the sole owner of every chunk: other packages manipulate
// chunks exclusively through it, and its lock is what makes the operations
// here safe to call. Chunk methods themselves do not lock.
package chunk

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/techthiyanes/oslo-1/comm"
	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/internal/floats"
)

// ErrChunkFull is returned by Chunk.Append when a tensor does not fit in
// the remaining capacity. The manager reacts by closing the chunk and
// opening a new one; nothing is ever truncated.
var ErrChunkFull = errors.New("chunk is full")

// tensorInfo is a member tensor's slot in its chunk.
type tensorInfo struct {
	param  *Parameter
	state  TensorState
	offset int
	end    int
}

// Chunk is a fixed-capacity contiguous buffer holding several tensors' flat
// data, sharded across a worker group. See the package documentation for
// the lifecycle; Manager for the only supported way to drive it.
type Chunk struct {
	id        int
	groupName string
	group     comm.Group
	dtype     dtypes.DType
	accelDev  device.Device

	capacity   int // elements, multiple of group.Size()
	shardSize  int // capacity / group.Size()
	shardBegin int // this rank's window into the full buffer
	shardEnd   int
	utilized   int // elements appended so far
	validEnd   int // meaningful prefix of the local shard, set by Close

	keepGathered bool
	cpuOffload   bool
	pinMemory    bool

	// Payload. Exactly one of staging (open chunk), full (gathered) or
	// shard (at rest) is the live buffer. hostShadow is the pinned host
	// copy of the shard kept when pinMemory is on; shadowValid tells
	// whether it still matches the live data.
	staging     any
	full        any
	fullDev     device.Device
	shard       any
	shardDev    device.Device
	hostShadow  any
	shadowValid bool
	gathered    bool

	order      []*tensorInfo
	infos      map[ParamID]*tensorInfo
	stateCount [numTensorStates]int

	paired *Chunk
	master bool // receiver side of InitPair: the wider-precision chunk

	l2NormFlag bool
	l2NormSq   float64
	overflowed bool
}

type chunkOptions struct {
	keepGathered bool
	cpuOffload   bool
	pinMemory    bool
	l2Norm       bool
}

// newChunk allocates an open chunk with the requested capacity rounded up
// to a multiple of the group size. Tensors are appended with Append and the
// chunk becomes operational after Close.
func newChunk(id int, groupName string, g comm.Group, dtype dtypes.DType, requestedCapacity int, accelDev device.Device, opts chunkOptions) *Chunk {
	w := g.Size()
	capacity := requestedCapacity
	if rem := capacity % w; rem != 0 {
		capacity += w - rem
	}
	shardSize := capacity / w
	c := &Chunk{
		id:           id,
		groupName:    groupName,
		group:        g,
		dtype:        dtype,
		accelDev:     accelDev,
		capacity:     capacity,
		shardSize:    shardSize,
		shardBegin:   shardSize * g.Rank(),
		shardEnd:     shardSize * (g.Rank() + 1),
		keepGathered: opts.keepGathered,
		cpuOffload:   opts.cpuOffload,
		pinMemory:    opts.pinMemory,
		l2NormFlag:   opts.l2Norm,
		staging:      floats.Alloc(dtype, capacity),
		infos:        make(map[ParamID]*tensorInfo),
	}
	return c
}

// Append adds a tensor at the next free offset of the staging buffer. init,
// when non-nil, must be a flat slice of the chunk's dtype with the tensor's
// element count and provides the initial value; otherwise the slice starts
// zeroed. Returns ErrChunkFull when the tensor does not fit.
func (c *Chunk) Append(p *Parameter, init any) error {
	if c.staging == nil {
		return errors.Errorf("chunk #%d is closed, cannot append %s", c.id, p)
	}
	if p.owner != nil {
		return errors.Errorf("%s already belongs to chunk #%d", p, p.owner.id)
	}
	if p.shape.DType != c.dtype {
		return errors.Errorf("cannot append %s to chunk #%d of dtype %s", p, c.id, c.dtype)
	}
	n := p.Size()
	if c.utilized+n > c.capacity {
		return errors.WithStack(ErrChunkFull)
	}
	if init != nil {
		if floats.DTypeOf(init) != c.dtype || floats.Len(init) != n {
			return errors.Errorf("init data for %s is %s[%d], want %s[%d]",
				p, floats.DTypeOf(init), floats.Len(init), c.dtype, n)
		}
		floats.Copy(floats.Slice(c.staging, c.utilized, c.utilized+n), init)
	}
	info := &tensorInfo{param: p, state: StateHold, offset: c.utilized, end: c.utilized + n}
	c.infos[p.id] = info
	c.order = append(c.order, info)
	c.stateCount[StateHold]++
	c.utilized += n
	p.owner = c
	return nil
}

// Close seals membership and turns the staging buffer into the operational
// payload: keep-gathered chunks keep the full buffer on the fast tier,
// everything else keeps only this rank's shard, on the host tier when CPU
// offload was requested. With pinMemory a host copy of the shard is
// retained so later device-to-host moves can be skipped while it stays
// valid.
func (c *Chunk) Close() error {
	if c.staging == nil {
		return errors.Errorf("chunk #%d is already closed", c.id)
	}
	switch {
	case c.utilized <= c.shardBegin:
		c.validEnd = 0
	case c.utilized < c.shardEnd:
		c.validEnd = c.utilized - c.shardBegin
	default:
		c.validEnd = c.shardSize
	}
	if c.keepGathered {
		c.full = c.staging
		c.fullDev = c.accelDev
		c.gathered = true
		c.staging = nil
		return nil
	}
	c.shard = floats.Alloc(c.dtype, c.shardSize)
	floats.Copy(c.shard, floats.Slice(c.staging, c.shardBegin, c.shardEnd))
	c.staging = nil
	if c.cpuOffload {
		c.shardDev = device.CPU
	} else {
		c.shardDev = c.accelDev
	}
	if c.pinMemory {
		if c.shardDev.IsCPU() {
			c.hostShadow = c.shard
		} else {
			c.hostShadow = floats.Alloc(c.dtype, c.shardSize)
			floats.Copy(c.hostShadow, c.shard)
		}
		c.shadowValid = true
	}
	return nil
}

// Gather materializes the full buffer on the fast tier from the per-rank
// shards. Idempotent when already gathered. A host-resident shard is first
// moved up; the returned byte count is the volume of that host-to-device
// copy.
func (c *Chunk) Gather() (h2dBytes int64, err error) {
	if c.staging != nil {
		return 0, errors.Errorf("chunk #%d is still open, close it before gathering", c.id)
	}
	if c.gathered {
		return 0, nil
	}
	if c.shardDev.IsCPU() {
		h2dBytes = c.moveShardTo(c.accelDev, false)
	}
	full := floats.Alloc(c.dtype, c.capacity)
	if err := c.group.AllGather(c.shard, full); err != nil {
		return h2dBytes, errors.WithMessagef(err, "gathering chunk #%d", c.id)
	}
	c.full = full
	c.fullDev = c.accelDev
	c.shard = nil
	c.gathered = true
	return h2dBytes, nil
}

// Release drops the full buffer and retains this rank's shard, on the fast
// tier. It fails on keep-gathered chunks and while any member tensor is
// being computed with or waiting for reduction.
func (c *Chunk) Release() error {
	if c.keepGathered {
		return errors.Errorf("chunk #%d is keep-gathered, it is never released", c.id)
	}
	if !c.gathered {
		return errors.Errorf("chunk #%d is not gathered, nothing to release", c.id)
	}
	if !c.CanRelease() {
		return errors.Errorf("chunk #%d has tensors in COMPUTE or READY_FOR_REDUCE, cannot release", c.id)
	}
	c.shard = floats.Alloc(c.dtype, c.shardSize)
	floats.Copy(c.shard, floats.Slice(c.full, c.shardBegin, c.shardEnd))
	c.shardDev = c.accelDev
	c.full = nil
	c.gathered = false
	c.shadowValid = false
	return nil
}

// CanRelease reports whether every member tensor is at rest (HOLD or
// HOLD_AFTER_BACKWARD). Keep-gathered chunks are never releasable.
func (c *Chunk) CanRelease() bool {
	if c.keepGathered {
		return false
	}
	return c.stateCount[StateHold]+c.stateCount[StateHoldAfterBackward] == len(c.order)
}

// CanReduce reports whether every member tensor reached READY_FOR_REDUCE.
func (c *Chunk) CanReduce() bool {
	return len(c.order) > 0 && c.stateCount[StateReadyForReduce] == len(c.order)
}

// Reduce runs the gradient reduction for the chunk: a reduce-scatter across
// the group (an in-place all-reduce for keep-gathered chunks), followed by
// division by the group size, the overflow scan (any non-finite element in
// the local valid region) and, when enabled, the squared L2 norm of the
// reduced local data. All member tensors return to HOLD.
//
// It is a no-op returning false until every member tensor is
// READY_FOR_REDUCE, which is what batches many small gradients into one
// collective per chunk; once fired it cannot fire again until a new round
// of gradients moved the tensors back to READY_FOR_REDUCE.
func (c *Chunk) Reduce() (fired bool, err error) {
	if !c.CanReduce() {
		return false, nil
	}
	if !c.gathered {
		return false, errors.Errorf("chunk #%d must be gathered to reduce", c.id)
	}
	w := c.group.Size()
	var local any
	switch {
	case c.keepGathered:
		if err := c.group.AllReduce(c.full); err != nil {
			return false, errors.WithMessagef(err, "reducing chunk #%d", c.id)
		}
		local = floats.Slice(c.full, 0, c.utilized)
	case w == 1:
		// The shard is the whole buffer; no collective needed.
		c.shard = c.full
		c.full = nil
		c.gathered = false
		c.shardDev = c.accelDev
		local = floats.Slice(c.shard, 0, c.validEnd)
	default:
		shard := floats.Alloc(c.dtype, c.shardSize)
		if err := c.group.ReduceScatter(c.full, shard); err != nil {
			return false, errors.WithMessagef(err, "reducing chunk #%d", c.id)
		}
		c.shard = shard
		c.full = nil
		c.gathered = false
		c.shardDev = c.accelDev
		local = floats.Slice(c.shard, 0, c.validEnd)
	}
	if w > 1 {
		floats.Scale(local, 1/float64(w))
	}
	c.overflowed = floats.HasNonFinite(local)
	if c.l2NormFlag {
		c.l2NormSq = floats.SumSquares(local)
	}
	for _, info := range c.order {
		info.state = StateHold
	}
	c.stateCount = [numTensorStates]int{StateHold: len(c.order)}
	c.shadowValid = false
	return true, nil
}

// Move relocates the resident payload between tiers and returns the number
// of bytes physically copied. For keep-gathered chunks the full buffer
// moves; for chunks at rest the shard moves, and a device-to-host move is
// free when the pinned host shadow still matches the data and forceCopy is
// false. Gathered chunks that are not keep-gathered cannot move.
func (c *Chunk) Move(dst device.Device, forceCopy bool) (copiedBytes int64, err error) {
	if c.staging != nil {
		return 0, errors.Errorf("chunk #%d is still open, cannot move", c.id)
	}
	if c.gathered {
		if !c.keepGathered {
			return 0, errors.Errorf("chunk #%d is gathered, release it before moving", c.id)
		}
		if dst == c.fullDev {
			return 0, nil
		}
		c.fullDev = dst
		return c.ChunkMem(), nil
	}
	return c.moveShardTo(dst, forceCopy), nil
}

// moveShardTo relocates the shard, returning the bytes physically copied.
func (c *Chunk) moveShardTo(dst device.Device, forceCopy bool) int64 {
	if dst == c.shardDev {
		return 0
	}
	if dst.IsCPU() {
		if c.hostShadow != nil {
			if c.shadowValid && !forceCopy {
				c.shard = c.hostShadow
				c.shardDev = dst
				return 0
			}
			floats.Copy(c.hostShadow, c.shard)
			c.shard = c.hostShadow
			c.shadowValid = true
			c.shardDev = dst
			return c.shardBytes()
		}
		moved := floats.Alloc(c.dtype, c.shardSize)
		floats.Copy(moved, c.shard)
		c.shard = moved
		c.shardDev = dst
		return c.shardBytes()
	}
	// Host to fast tier. The pinned shadow, if any, keeps the data it
	// had, which still matches what just moved up.
	moved := floats.Alloc(c.dtype, c.shardSize)
	floats.Copy(moved, c.shard)
	c.shard = moved
	c.shardDev = dst
	return c.shardBytes()
}

// CopyTensorToChunkSlice writes data into the member tensor's slice of the
// gathered buffer; it lands freshly computed gradients and loaded values.
func (c *Chunk) CopyTensorToChunkSlice(p *Parameter, data any) error {
	info, ok := c.infos[p.id]
	if !ok {
		return errors.Errorf("%s does not belong to chunk #%d", p, c.id)
	}
	if !c.gathered {
		return errors.Errorf("chunk #%d is not gathered, cannot write %q", c.id, p.name)
	}
	n := info.end - info.offset
	if floats.DTypeOf(data) != c.dtype || floats.Len(data) != n {
		return errors.Errorf("data for %q is %s[%d], want %s[%d]",
			p.name, floats.DTypeOf(data), floats.Len(data), c.dtype, n)
	}
	floats.Copy(floats.Slice(c.full, info.offset, info.end), data)
	c.shadowValid = false
	return nil
}

// TensorSlice returns the member tensor's view of the gathered buffer. The
// view shares storage with the chunk and is only valid until the chunk is
// released or reduced.
func (c *Chunk) TensorSlice(p *Parameter) (any, error) {
	info, ok := c.infos[p.id]
	if !ok {
		return nil, errors.Errorf("%s does not belong to chunk #%d", p, c.id)
	}
	if !c.gathered {
		return nil, errors.Errorf("chunk #%d is not gathered, %q is not addressable", c.id, p.name)
	}
	return floats.Slice(c.full, info.offset, info.end), nil
}

// ShardSlice returns the member tensor's overlap with this rank's shard:
// the shard sub-slice and the element offset of that sub-slice within the
// tensor. ok is false when the tensor does not intersect the local shard.
// Only valid while the chunk is at rest (not gathered).
func (c *Chunk) ShardSlice(p *Parameter) (flat any, tensorOffset int, ok bool, err error) {
	info, found := c.infos[p.id]
	if !found {
		return nil, 0, false, errors.Errorf("%s does not belong to chunk #%d", p, c.id)
	}
	if c.gathered {
		return nil, 0, false, errors.Errorf("chunk #%d is gathered, use TensorSlice", c.id)
	}
	begin := max(info.offset, c.shardBegin)
	end := min(info.end, c.shardEnd)
	if begin >= end {
		return nil, 0, false, nil
	}
	return floats.Slice(c.shard, begin-c.shardBegin, end-c.shardBegin), begin - info.offset, true, nil
}

// transState performs one validated state transition.
func (c *Chunk) transState(id ParamID, to TensorState) error {
	info, ok := c.infos[id]
	if !ok {
		return errors.Errorf("tensor #%d does not belong to chunk #%d", id, c.id)
	}
	if !canTransition(info.state, to) {
		return errors.Errorf("parameter %q cannot transition from %s to %s",
			info.param.name, info.state, to)
	}
	c.stateCount[info.state]--
	c.stateCount[to]++
	info.state = to
	return nil
}

// StateOf returns the member tensor's current state.
func (c *Chunk) StateOf(id ParamID) (TensorState, error) {
	info, ok := c.infos[id]
	if !ok {
		return StateFree, errors.Errorf("tensor #%d does not belong to chunk #%d", id, c.id)
	}
	return info.state, nil
}

// InitPair wires the one-time precision pairing: the receiver is the
// master-precision chunk, compute the compute-precision chunk holding the
// same logical tensors in the same layout. The pairing is immutable.
func (c *Chunk) InitPair(compute *Chunk) error {
	if c == compute {
		return errors.Errorf("chunk #%d cannot pair with itself", c.id)
	}
	if c.staging != nil || compute.staging != nil {
		return errors.Errorf("chunks #%d and #%d must be closed before pairing", c.id, compute.id)
	}
	if c.paired != nil || compute.paired != nil {
		return errors.Errorf("chunks #%d and #%d are already paired", c.id, compute.id)
	}
	if len(c.order) != len(compute.order) || c.capacity != compute.capacity {
		return errors.Errorf("chunk #%d (cap %d, %d tensors) does not mirror chunk #%d (cap %d, %d tensors)",
			c.id, c.capacity, len(c.order), compute.id, compute.capacity, len(compute.order))
	}
	for i, info := range c.order {
		other := compute.order[i]
		if info.offset != other.offset || info.end != other.end || info.param.name != other.param.name {
			return errors.Errorf("chunk #%d and chunk #%d disagree on member #%d (%q vs %q)",
				c.id, compute.id, i, info.param.name, other.param.name)
		}
	}
	c.paired = compute
	c.master = true
	compute.paired = c
	return nil
}

// OptimUpdate propagates the master chunk's values into its paired
// compute-precision chunk, casting element by element. Called on the master
// chunk after an optimizer step, and by the state-dictionary load. Both
// chunks must be on the same side of gathering.
func (c *Chunk) OptimUpdate() error {
	if !c.master || c.paired == nil {
		return errors.Errorf("chunk #%d is not a paired master chunk", c.id)
	}
	compute := c.paired
	switch {
	case c.gathered && compute.gathered:
		floats.CastCopy(compute.full, c.full)
	case !c.gathered && !compute.gathered:
		floats.CastCopy(compute.shard, c.shard)
	default:
		return errors.Errorf("chunk #%d and its pair #%d disagree on gathering, cannot propagate",
			c.id, compute.id)
	}
	compute.shadowValid = false
	return nil
}

// EnableL2Norm turns on the squared-L2 statistic computed by Reduce.
func (c *Chunk) EnableL2Norm() { c.l2NormFlag = true }

// ID returns the manager-assigned chunk id.
func (c *Chunk) ID() int { return c.id }

// GroupName returns the chunk-group this chunk belongs to, e.g. "compute_2".
func (c *Chunk) GroupName() string { return c.groupName }

// Group returns the worker group the chunk is sharded over.
func (c *Chunk) Group() comm.Group { return c.group }

// DType returns the payload element type.
func (c *Chunk) DType() dtypes.DType { return c.dtype }

// Capacity returns the buffer capacity in elements.
func (c *Chunk) Capacity() int { return c.capacity }

// Utilized returns the appended element count.
func (c *Chunk) Utilized() int { return c.utilized }

// ShardSize returns the per-rank shard length in elements.
func (c *Chunk) ShardSize() int { return c.shardSize }

// IsGathered reports whether the full buffer is materialized.
func (c *Chunk) IsGathered() bool { return c.gathered }

// KeepGathered reports whether the chunk is exempt from sharding.
func (c *Chunk) KeepGathered() bool { return c.keepGathered }

// Closed reports whether membership is sealed.
func (c *Chunk) Closed() bool { return c.staging == nil }

// Device returns where the live payload resides: the full buffer's tier
// when gathered, the shard's otherwise.
func (c *Chunk) Device() device.Device {
	if c.gathered {
		return c.fullDev
	}
	return c.shardDev
}

// Overflowed reports whether the last Reduce saw a non-finite element.
func (c *Chunk) Overflowed() bool { return c.overflowed }

// L2NormSquared returns the squared L2 norm of the local data recorded by
// the last Reduce; ok is false when the statistic is disabled.
func (c *Chunk) L2NormSquared() (norm float64, ok bool) {
	return c.l2NormSq, c.l2NormFlag
}

// PairedChunk returns the other-precision chunk, nil when unpaired.
func (c *Chunk) PairedChunk() *Chunk { return c.paired }

// IsMaster reports whether this is the master-precision side of a pair.
func (c *Chunk) IsMaster() bool { return c.master }

// Tensors returns the member tensors in buffer-layout order.
func (c *Chunk) Tensors() []*Parameter {
	out := make([]*Parameter, len(c.order))
	for i, info := range c.order {
		out[i] = info.param
	}
	return out
}

// TensorsInState returns the member tensors currently in state s, in
// buffer-layout order.
func (c *Chunk) TensorsInState(s TensorState) []*Parameter {
	var out []*Parameter
	for _, info := range c.order {
		if info.state == s {
			out = append(out, info.param)
		}
	}
	return out
}

// ChunkMem is the logical payload size in bytes (the gathered buffer).
func (c *Chunk) ChunkMem() int64 {
	return int64(c.capacity) * int64(c.dtype.Memory())
}

func (c *Chunk) shardBytes() int64 {
	return int64(c.shardSize) * int64(c.dtype.Memory())
}

// MemoryUsage tallies the bytes the chunk currently occupies per tier,
// counting the pinned host shadow when it is distinct from the live shard.
func (c *Chunk) MemoryUsage() device.Usage {
	var u device.Usage
	if c.staging != nil {
		u = u.Plus(device.UsageOn(device.CPU, c.ChunkMem()))
	}
	if c.full != nil {
		u = u.Plus(device.UsageOn(c.fullDev, c.ChunkMem()))
	}
	if c.shard != nil {
		u = u.Plus(device.UsageOn(c.shardDev, c.shardBytes()))
	}
	if c.hostShadow != nil && !(c.shard != nil && c.shardDev.IsCPU()) {
		u = u.Plus(device.UsageOn(device.CPU, c.shardBytes()))
	}
	return u
}

// String implements fmt.Stringer.
func (c *Chunk) String() string {
	form := "shard"
	if c.staging != nil {
		form = "open"
	} else if c.gathered {
		form = "gathered"
	}
	keep := ""
	if c.keepGathered {
		keep = " keep"
	}
	return fmt.Sprintf("Chunk#%d[%s %s cap=%d used=%d %s on %s%s]",
		c.id, c.groupName, c.dtype, c.capacity, c.utilized, form, c.Device(), keep)
}
