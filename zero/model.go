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

// Package zero orchestrates chunk-sharded model tensors through training
// steps: it packs declared tensors into paired compute- and
// master-precision chunks sharded 1/W across a worker group, drives the
// tensor lifecycle from the engine's access hooks (Observer), reduces each
// chunk's gradients exactly once per step, migrates chunks between the
// fast tier and the host under a placement policy, and bridges the whole
// model to flat state dictionaries for checkpointing.
//
// Build a Model with Configure(...).Done(). The engine then brackets each
// step with BeginForward / EndForward / BeginBackward / EndBackward and
// reports tensor usage through the Observer callbacks.
package zero

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/comm"
	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/internal/floats"
	"github.com/techthiyanes/oslo-1/zero/chunk"
	"github.com/techthiyanes/oslo-1/zero/hetmem"
	"github.com/techthiyanes/oslo-1/zero/memtracer"
)

// Model is one rank's view of a chunk-sharded model. All step-driving
// methods (the Observer callbacks and the Begin/End brackets) must be
// called from the rank's single compute goroutine; the only concurrent
// actor underneath is the placement manager's shard mover.
type Model struct {
	group  comm.Group
	chunks *chunk.Manager
	het    *hetmem.Manager

	computeDType dtypes.DType
	masterDType  dtypes.DType

	params   []*chunk.Parameter
	byName   map[string]*chunk.Parameter
	byID     map[chunk.ParamID]*chunk.Parameter
	masterOf map[chunk.ParamID]*chunk.Parameter
	gradsDev map[chunk.ParamID]device.Device

	frozen      map[string]*Value
	frozenOrder []string

	phaseOpen bool
	backward  bool
	inference bool
	touched   map[chunk.ParamID]struct{}

	overflow int64
	gradL2Sq float64
}

func newModel(c *Config) (*Model, error) {
	w := c.group.Size()

	var chunked, still []ParamSpec
	for _, spec := range c.specs {
		if spec.Frozen {
			still = append(still, spec)
		} else {
			chunked = append(chunked, spec)
		}
	}
	if len(chunked) == 0 {
		return nil, errors.New("Configure: every declared tensor is frozen, nothing to shard")
	}

	order := registrationOrder(chunked, c.trace)
	sizes := make([]int, len(order))
	for i, spec := range order {
		sizes[i] = spec.Shape.Size()
	}
	result, err := chunk.SearchChunkConfiguration(map[int][]int{w: sizes}, c.search)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("chunk size search: %d elements, waste %d (%d candidates, %d outliers excluded)",
		result.Chosen.ChunkSize, result.Chosen.Waste, len(result.Candidates), result.Filtered)

	m := &Model{
		group:        c.group,
		chunks:       chunk.NewManager(c.accelDev, result.Configs),
		computeDType: c.compute,
		masterDType:  c.master,
		byName:       make(map[string]*chunk.Parameter, len(chunked)),
		byID:         make(map[chunk.ParamID]*chunk.Parameter, len(chunked)),
		masterOf:     make(map[chunk.ParamID]*chunk.Parameter, len(chunked)),
		gradsDev:     make(map[chunk.ParamID]device.Device, len(chunked)),
		frozen:       make(map[string]*Value, len(still)),
		touched:      make(map[chunk.ParamID]struct{}),
	}

	offload := c.policy != hetmem.PolicyAccel
	for _, spec := range order {
		p := chunk.NewParameter(spec.Name, spec.Shape.WithDType(c.compute), true)
		mp := chunk.NewParameter(spec.Name, spec.Shape.WithDType(c.master), true)
		var computeInit, masterInit any
		if spec.Init != nil {
			computeInit = castFlat(spec.Init, c.compute)
			masterInit = castFlat(spec.Init, c.master)
		}
		err := m.chunks.RegisterTensor(p, "compute", c.group, computeInit, chunk.RegisterOptions{
			CPUOffload: offload,
			PinMemory:  c.pinMemory,
			L2Norm:     c.l2Norm,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "registering %q", spec.Name)
		}
		err = m.chunks.RegisterTensor(mp, "master", c.group, masterInit, chunk.RegisterOptions{
			CPUOffload: offload,
			PinMemory:  c.pinMemory,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "registering master copy of %q", spec.Name)
		}
		m.byName[spec.Name] = p
		m.byID[p.ID()] = p
		m.masterOf[p.ID()] = mp
	}
	if err := m.chunks.CloseAll(); err != nil {
		return nil, err
	}
	// Close leaves keep-gathered chunks in the accessed set. The step loop
	// owns that set and expects it empty between steps, so balance them
	// out; the first real access re-admits a gathered chunk for free.
	for _, ac := range m.chunks.AccessedChunks() {
		if err := m.chunks.FakeReleaseChunk(ac); err != nil {
			return nil, err
		}
	}

	// The two groups packed identical element counts in identical order
	// with one chunk size, so their chunk layouts mirror each other.
	computeChunks := m.chunks.ChunksOfGroup(fmt.Sprintf("compute_%d", w))
	masterChunks := m.chunks.ChunksOfGroup(fmt.Sprintf("master_%d", w))
	if len(computeChunks) != len(masterChunks) {
		exceptions.Panicf("zero: %d compute chunks vs %d master chunks, packing diverged",
			len(computeChunks), len(masterChunks))
	}
	for i, mc := range masterChunks {
		if err := mc.InitPair(computeChunks[i]); err != nil {
			return nil, err
		}
	}

	// Parameters() reports declaration order whatever order packing used.
	for _, spec := range chunked {
		m.params = append(m.params, m.byName[spec.Name])
	}

	var premade *memtracer.MemStats
	if c.trace != nil && !c.trace.Empty() {
		premade = c.trace.Rebind(func(name string) *chunk.Parameter { return m.byName[name] })
	}
	m.het = hetmem.NewManager(c.policy, m.chunks, c.accelDev, c.accelBudget, premade)

	def := m.het.DefaultGradsDevice()
	for id, p := range m.byID {
		if p.Chunk().KeepGathered() {
			m.gradsDev[id] = c.accelDev
		} else {
			m.gradsDev[id] = def
		}
	}

	for _, spec := range still {
		v := NewValue(spec.Shape.WithDType(c.compute))
		if spec.Init != nil {
			floats.CastCopy(v.Flat, spec.Init)
		}
		m.frozen[spec.Name] = v
		m.frozenOrder = append(m.frozenOrder, spec.Name)
	}

	klog.V(1).Infof("zero model on %s: %d sharded tensors in %d chunk pairs (%s/%s), %d frozen, policy %s",
		c.group, len(chunked), len(computeChunks), c.compute, c.master, len(still), c.policy)
	return m, nil
}

// registrationOrder returns the chunked specs in packing order: tensors
// named by the trace first, in traced first-access order, then the rest as
// declared. Packing in visitation order lets one gather serve neighbors
// that are used together.
func registrationOrder(chunked []ParamSpec, trace *memtracer.MemStats) []ParamSpec {
	if trace == nil || trace.Empty() {
		return chunked
	}
	byName := make(map[string]int, len(chunked))
	for i, spec := range chunked {
		byName[spec.Name] = i
	}
	order := make([]ParamSpec, 0, len(chunked))
	taken := make(map[string]struct{}, len(chunked))
	for _, name := range trace.ParamNames() {
		i, ok := byName[name]
		if !ok {
			continue
		}
		if _, dup := taken[name]; dup {
			continue
		}
		taken[name] = struct{}{}
		order = append(order, chunked[i])
	}
	for _, spec := range chunked {
		if _, ok := taken[spec.Name]; !ok {
			order = append(order, spec)
		}
	}
	return order
}

// castFlat copies a flat slice into a fresh one of the target dtype.
func castFlat(src any, dtype dtypes.DType) any {
	dst := floats.Alloc(dtype, floats.Len(src))
	floats.CastCopy(dst, src)
	return dst
}

// Group returns the worker group the model is sharded over.
func (m *Model) Group() comm.Group { return m.group }

// masterChunks lists the master-precision chunks in registration order,
// identical on every rank.
func (m *Model) masterChunks() []*chunk.Chunk {
	return m.chunks.ChunksOfGroup(fmt.Sprintf("master_%d", m.group.Size()))
}

// Parameters returns the sharded tensors' handles in declaration order.
// Frozen tensors have no handle; read them through ParamData.
func (m *Model) Parameters() []*chunk.Parameter {
	out := make([]*chunk.Parameter, len(m.params))
	copy(out, m.params)
	return out
}

// ParamData returns a read view of one tensor's current compute-precision
// value. For sharded tensors the owning chunk must be gathered; between
// accesses there is no contiguous tensor to show. The view aliases chunk
// storage, so it goes stale when the chunk is released or moved.
func (m *Model) ParamData(name string) (*Value, error) {
	if v, ok := m.frozen[name]; ok {
		return v, nil
	}
	p, ok := m.byName[name]
	if !ok {
		return nil, errors.Errorf("no tensor named %q", name)
	}
	flat, err := p.Chunk().TensorSlice(p)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", name)
	}
	return &Value{Shape: p.Shape(), Flat: flat}, nil
}

// SetGradDestination overrides where the reduced gradient chunk migrates
// after its reduction fires. The setting applies to the whole chunk owning
// the named tensor, since gradients move at chunk granularity.
func (m *Model) SetGradDestination(name string, dev device.Device) error {
	p, ok := m.byName[name]
	if !ok {
		return errors.Errorf("no sharded tensor named %q", name)
	}
	for _, t := range p.Chunk().Tensors() {
		m.gradsDev[t.ID()] = dev
	}
	return nil
}

// OverflowCount returns how many chunk reductions so far produced
// non-finite values, cumulatively over the model's lifetime. Loss scalers
// watch it across ranks to decide on skipping a step.
func (m *Model) OverflowCount() int64 { return m.overflow }

// GradL2NormSquared returns the squared L2 norm of the gradient data this
// rank kept from the reductions of the current (or just finished) step:
// the sum over its shard windows, so gradient clipping sums it across the
// group for the full norm. Zero unless built with L2NormMonitor.
func (m *Model) GradL2NormSquared() float64 { return m.gradL2Sq }

// Stats returns the placement manager's running counters.
func (m *Model) Stats() hetmem.Stats { return m.het.Stats() }

// TraceStats returns the visitation trace recorded by the warm-up
// iteration (or supplied via Trace). Feed it to a later Configure via
// Trace to fix the packing order and skip warm-up. Nil under static
// placement policies.
func (m *Model) TraceStats() *memtracer.MemStats { return m.het.Trace() }

// Close releases the placement manager's background mover. The model must
// not be used afterwards.
func (m *Model) Close() { m.het.Close() }

// String summarizes the model for logs.
func (m *Model) String() string {
	return fmt.Sprintf("zero.Model{%s, %d tensors + %d frozen, %s/%s, %s}",
		m.group, len(m.params), len(m.frozenOrder), m.computeDType, m.masterDType, m.het.Policy())
}
