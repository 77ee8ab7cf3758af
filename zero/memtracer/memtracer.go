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

// Package memtracer records what the first training iteration touches and
// how much fast-tier memory it asks for. The placement layer replays the
// recording on later iterations to decide which shards to evict and which
// to prefetch.
package memtracer

import (
	"sort"

	"github.com/emirpasic/gods/v2/sets/linkedhashset"
	"gonum.org/v1/gonum/floats"

	"github.com/techthiyanes/oslo-1/zero/chunk"
)

// MemStats is one iteration's access trace. Recording happens on the
// training goroutine during warm-up; afterwards the trace is read-only and
// safe to share.
//
// Time is counted in periods: one period per compute hook, in execution
// order. The same period numbering is what NextUseStep answers against.
type MemStats struct {
	order        *linkedhashset.Set[*chunk.Parameter]
	chunkOrder   []*chunk.Chunk
	chunkSteps   map[*chunk.Chunk][]int
	perStep      [][]*chunk.Chunk
	perStepNames [][]string
	demand       []float64
	periods      int
}

// New returns an empty trace.
func New() *MemStats {
	return &MemStats{
		order:      linkedhashset.New[*chunk.Parameter](),
		chunkSteps: make(map[*chunk.Chunk][]int),
	}
}

// RecordAccess logs one compute period: the parameters the operator is
// about to use and the fast-tier bytes demanded to stage them.
func (s *MemStats) RecordAccess(params []*chunk.Parameter, accelDemandBytes int64) {
	step := s.periods
	s.periods++
	s.demand = append(s.demand, float64(accelDemandBytes))
	var stepChunks []*chunk.Chunk
	names := make([]string, 0, len(params))
	for _, p := range params {
		s.order.Add(p)
		names = append(names, p.Name())
		c := p.Chunk()
		if c == nil {
			continue
		}
		steps := s.chunkSteps[c]
		if len(steps) == 0 {
			s.chunkOrder = append(s.chunkOrder, c)
		}
		if len(steps) == 0 || steps[len(steps)-1] != step {
			s.chunkSteps[c] = append(steps, step)
			stepChunks = append(stepChunks, c)
		}
	}
	s.perStep = append(s.perStep, stepChunks)
	s.perStepNames = append(s.perStepNames, names)
}

// Empty reports whether nothing has been recorded.
func (s *MemStats) Empty() bool { return s.periods == 0 }

// Periods returns how many compute periods were recorded.
func (s *MemStats) Periods() int { return s.periods }

// ParamOrder returns the parameters in first-use order, deduplicated.
func (s *MemStats) ParamOrder() []*chunk.Parameter {
	return s.order.Values()
}

// ParamNames returns the first-use order as names, the stable currency for
// reordering a later model's registration.
func (s *MemStats) ParamNames() []string {
	params := s.order.Values()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name()
	}
	return names
}

// ChunkOrder returns the chunks in first-use order.
func (s *MemStats) ChunkOrder() []*chunk.Chunk {
	return s.chunkOrder
}

// ChunksAt returns the distinct chunks the recorded period uses, nil for a
// period beyond the trace.
func (s *MemStats) ChunksAt(step int) []*chunk.Chunk {
	if step < 0 || step >= len(s.perStep) {
		return nil
	}
	return s.perStep[step]
}

// NextUseStep returns the first recorded period >= after in which c is
// used; ok is false when the trace never uses c again. A chunk the trace
// has never seen is never used.
func (s *MemStats) NextUseStep(c *chunk.Chunk, after int) (step int, ok bool) {
	steps := s.chunkSteps[c]
	i := sort.SearchInts(steps, after)
	if i == len(steps) {
		return 0, false
	}
	return steps[i], true
}

// PeriodNames returns each recorded period's parameter names in access
// order. Names are the cross-instance form of the trace: they survive a
// model rebuild while Parameter handles do not.
func (s *MemStats) PeriodNames() [][]string {
	return s.perStepNames
}

// Rebind replays the trace against a rebuilt model: every recorded period
// is re-recorded with the parameters lookup resolves by name, with the
// demand series carried over unchanged. Names lookup cannot resolve are
// dropped from their period.
func (s *MemStats) Rebind(lookup func(name string) *chunk.Parameter) *MemStats {
	out := New()
	for step, names := range s.perStepNames {
		params := make([]*chunk.Parameter, 0, len(names))
		for _, name := range names {
			if p := lookup(name); p != nil {
				params = append(params, p)
			}
		}
		out.RecordAccess(params, int64(s.demand[step]))
	}
	return out
}

// MaxDemand returns the largest single-period fast-tier demand in bytes.
func (s *MemStats) MaxDemand() int64 {
	if len(s.demand) == 0 {
		return 0
	}
	return int64(floats.Max(s.demand))
}

// TotalDemand returns the summed fast-tier demand across all periods.
func (s *MemStats) TotalDemand() int64 {
	return int64(floats.Sum(s.demand))
}
