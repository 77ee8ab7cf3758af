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

package zero

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/zero/chunk"
)

// Phase tells the hooks which pass of the step is running. It is passed
// explicitly on every callback; there is no ambient mode toggle.
type Phase uint8

const (
	PhaseForward Phase = iota
	PhaseBackward
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p == PhaseBackward {
		return "backward"
	}
	return "forward"
}

// Observer is the contract the compute engine drives the model through.
// Before an engine op reads a set of sharded tensors it calls
// OnTensorAccess with their ids; after the op it calls OnTensorDone with
// the same ids. During backward, each produced gradient is handed to
// OnGradientReady, which consumes it and returns a placeholder so the
// engine can drop its own copy immediately.
//
// Model is the canonical implementation; the indirection lets tests and
// instrumentation layers wrap it.
type Observer interface {
	OnTensorAccess(phase Phase, ids []chunk.ParamID) error
	OnTensorDone(phase Phase, ids []chunk.ParamID) error
	OnGradientReady(id chunk.ParamID, grad *Value) (*Value, error)
}

var _ Observer = (*Model)(nil)

// BeginForward opens a training or inference step and returns the inputs
// cast to compute precision (structure preserved, non-float leaves
// untouched). Inference requires a completed warm-up: the auto placement
// policy learns the visitation order from a full training step, and an
// inference pass cannot provide one.
func (m *Model) BeginForward(inference bool, inputs *Nested) (*Nested, error) {
	if m.phaseOpen {
		return nil, errors.New("BeginForward: the previous step is still open")
	}
	if inference && m.het.IsWarmup() {
		return nil, errors.New("BeginForward: run one full training step as warm-up before inference")
	}
	m.phaseOpen = true
	m.backward = false
	m.inference = inference
	m.touched = make(map[chunk.ParamID]struct{})
	m.het.PreIter()
	if inputs == nil {
		return nil, nil
	}
	return inputs.CastFloats(m.computeDType), nil
}

// EndForward closes the forward pass. In training mode it is a no-op, the
// backward pass owns the cleanup. In inference mode it scatters every
// chunk the pass gathered back to rest: keep-gathered chunks are
// fake-released, the rest are released and their shards sent home.
func (m *Model) EndForward(inference bool) error {
	if !m.phaseOpen || m.backward {
		return errors.New("EndForward: no forward pass is open")
	}
	if inference != m.inference {
		return errors.Errorf("EndForward(inference=%v) after BeginForward(inference=%v)", inference, m.inference)
	}
	if !inference {
		return nil
	}
	for _, c := range m.chunks.AccessedChunks() {
		if c.KeepGathered() {
			if err := m.chunks.FakeReleaseChunk(c); err != nil {
				return err
			}
			continue
		}
		if err := m.chunks.ReleaseChunk(c); err != nil {
			return err
		}
		first := c.Tensors()[0]
		if err := m.het.MoveChunkTo(c, m.gradsDev[first.ID()], false); err != nil {
			return err
		}
	}
	if mem := m.chunks.AccessedMem(); mem != 0 {
		return errors.Errorf("EndForward: %s still accessed after inference cleanup", humanize.IBytes(uint64(mem)))
	}
	m.het.ResetAttributes()
	m.phaseOpen = false
	return nil
}

// BeginBackward switches the open step into its backward pass and resets
// the per-step gradient norm accumulator.
func (m *Model) BeginBackward() error {
	if !m.phaseOpen {
		return errors.New("BeginBackward: no step is open")
	}
	if m.inference {
		return errors.New("BeginBackward: inference steps have no backward pass")
	}
	if m.backward {
		return errors.New("BeginBackward: already in the backward pass")
	}
	m.backward = true
	m.gradL2Sq = 0
	return nil
}

// EndBackward closes the step. Every chunk the step gathered must have
// reduced by now; leftover accessed memory means some gradient never
// arrived, and the step fails naming the tensors to blame. On success the
// placement manager ends its iteration (completing warm-up when this was
// the first step).
func (m *Model) EndBackward() error {
	if !m.phaseOpen || !m.backward {
		return errors.New("EndBackward: no backward pass is open")
	}
	if mem := m.chunks.AccessedMem(); mem != 0 {
		var stuck []string
		for _, c := range m.chunks.AccessedChunks() {
			for _, p := range c.Tensors() {
				if st, err := c.StateOf(p.ID()); err == nil && st != chunk.StateHold {
					stuck = append(stuck, p.Name())
				}
			}
		}
		return errors.Errorf("EndBackward: %s still accessed, gradient reduction never finished for: %s",
			humanize.IBytes(uint64(mem)), strings.Join(stuck, ", "))
	}
	klog.V(1).Infof("step done: %s, overflow count %d", m.het.Stats(), m.overflow)
	m.het.PostIter()
	m.phaseOpen = false
	m.backward = false
	return nil
}

// OnTensorAccess implements Observer. It makes room on the fast tier,
// gathers the owning chunks and marks the tensors as computing.
func (m *Model) OnTensorAccess(phase Phase, ids []chunk.ParamID) error {
	if err := m.checkPhase(phase); err != nil {
		return err
	}
	params, err := m.resolve(ids)
	if err != nil || len(params) == 0 {
		return err
	}
	owners := m.chunks.ChunksOf(params)
	if err := m.het.AdjustLayout(params, owners); err != nil {
		return errors.WithMessage(err, "adjusting layout")
	}
	for _, c := range owners {
		if err := m.het.AccessChunk(c); err != nil {
			return err
		}
	}
	for _, p := range params {
		if err := m.chunks.TransitionTensor(p, chunk.StateCompute); err != nil {
			return err
		}
	}
	return nil
}

// OnTensorDone implements Observer. Forward tensors go back to HOLD;
// backward tensors wait for their gradient in HOLD_AFTER_BACKWARD. In
// forward, a chunk is released once every member tensor has had its use
// this pass, and kept gathered while any member is still pending.
func (m *Model) OnTensorDone(phase Phase, ids []chunk.ParamID) error {
	if err := m.checkPhase(phase); err != nil {
		return err
	}
	params, err := m.resolve(ids)
	if err != nil || len(params) == 0 {
		return err
	}
	for _, p := range params {
		target := chunk.StateHoldAfterBackward
		if phase == PhaseForward || !p.RequiresGrad() {
			target = chunk.StateHold
		}
		if err := m.chunks.TransitionTensor(p, target); err != nil {
			return err
		}
		if phase == PhaseForward {
			m.touched[p.ID()] = struct{}{}
		}
	}
	if phase != PhaseForward {
		return nil
	}
	for _, c := range m.chunks.ChunksOf(params) {
		if c.KeepGathered() || !c.CanRelease() || !m.allTouched(c) {
			continue
		}
		if err := m.chunks.ReleaseChunk(c); err != nil {
			return err
		}
	}
	return nil
}

// OnGradientReady implements Observer: the reduction entry point. The
// tensor must be waiting in HOLD_AFTER_BACKWARD; anything else means some
// unsupported compute path bypassed the access hooks. The gradient lands
// in the tensor's chunk slice, and when it completes the chunk, the whole
// chunk reduces across the group, books overflow and norm statistics, and
// migrates to its gradient destination. The returned placeholder carries
// only the shape; the engine can free its gradient buffer on receipt.
func (m *Model) OnGradientReady(id chunk.ParamID, grad *Value) (*Value, error) {
	if !m.phaseOpen || !m.backward {
		return nil, errors.New("OnGradientReady: no backward pass is open")
	}
	p, ok := m.byID[id]
	if !ok {
		return nil, errors.Errorf("unknown tensor id %d", id)
	}
	if grad == nil || grad.IsPlaceholder() {
		return nil, errors.Errorf("empty gradient for %s", p)
	}
	if grad.DType() != m.computeDType || grad.Size() != p.Size() {
		return nil, errors.Errorf("gradient for %q is %s, tensor wants %s", p.Name(), grad.Shape, p.Shape())
	}
	c := p.Chunk()
	st, err := c.StateOf(id)
	if err != nil {
		return nil, err
	}
	if st != chunk.StateHoldAfterBackward {
		return nil, errors.Errorf("parameter `%s` failed at the gradient reduction (state %s), "+
			"some unsupported operation touched it outside the access hooks", p.Name(), st)
	}
	if err := m.chunks.TransitionTensor(p, chunk.StateReadyForReduce); err != nil {
		return nil, err
	}
	if err := c.CopyTensorToChunkSlice(p, grad.Flat); err != nil {
		return nil, err
	}
	fired, err := m.chunks.ReduceChunk(c)
	if err != nil {
		return nil, err
	}
	if fired {
		if c.Overflowed() {
			m.overflow++
		}
		if l2, ok := c.L2NormSquared(); ok {
			m.gradL2Sq += l2
		}
		if err := m.het.MoveChunkTo(c, m.gradsDev[id], true); err != nil {
			return nil, err
		}
	}
	return &Value{Shape: grad.Shape}, nil
}

// checkPhase validates a hook call against the open step.
func (m *Model) checkPhase(phase Phase) error {
	if !m.phaseOpen {
		return errors.New("no step is open, call BeginForward first")
	}
	current := PhaseForward
	if m.backward {
		current = PhaseBackward
	}
	if phase != current {
		return errors.Errorf("%s hook fired during the %s pass", phase, current)
	}
	return nil
}

// resolve maps ids to live handles, rejecting unknown ids. Ids of frozen
// tensors never appear: frozen tensors have no handle and no lifecycle.
func (m *Model) resolve(ids []chunk.ParamID) ([]*chunk.Parameter, error) {
	params := make([]*chunk.Parameter, 0, len(ids))
	for _, id := range ids {
		p, ok := m.byID[id]
		if !ok {
			return nil, errors.Errorf("unknown tensor id %d", id)
		}
		params = append(params, p)
	}
	return params, nil
}

// allTouched reports whether every member tensor of c already had its use
// this forward pass. Releasing before that would force a pointless
// re-gather for the members still pending.
func (m *Model) allTouched(c *chunk.Chunk) bool {
	for _, t := range c.Tensors() {
		if _, ok := m.touched[t.ID()]; !ok {
			return false
		}
	}
	return true
}
