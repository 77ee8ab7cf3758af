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
	"math"

	"github.com/pkg/errors"
)

// Defaults for SearchConfig, in elements.
const (
	DefaultSearchRange    = 64 << 20
	DefaultSearchInterval = 1 << 20
	DefaultMinChunkSize   = 32 << 20
)

// SearchConfig bounds the chunk-size search. All quantities are element
// counts; a chunk's byte cost is its element count times the dtype width,
// so one element count serves every precision.
type SearchConfig struct {
	// SearchRange is how far above the floor candidate sizes are tried.
	SearchRange int

	// SearchInterval is the step between consecutive candidates.
	SearchInterval int

	// MinChunkSize is the smallest capacity considered. The effective
	// floor is raised to the largest simulated tensor so every candidate
	// can pack every tensor.
	MinChunkSize int

	// FilterExtreme drops outlier tensors (more than three standard
	// deviations above the mean size) from the simulation. They get
	// dedicated chunks at runtime whatever the configured size, so they
	// only blur the comparison.
	FilterExtreme bool
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.SearchRange <= 0 {
		c.SearchRange = DefaultSearchRange
	}
	if c.SearchInterval <= 0 {
		c.SearchInterval = DefaultSearchInterval
	}
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = DefaultMinChunkSize
	}
	return c
}

// Candidate is one simulated chunk size and the total capacity it wastes.
type Candidate struct {
	ChunkSize int
	Waste     int64
}

// SearchResult carries the chosen configuration and the per-candidate
// simulation behind it.
type SearchResult struct {
	// Configs is ready for NewManager: one entry per worker-group size,
	// all sharing the winning chunk size. KeepGathered is left false for
	// the caller to set per policy.
	Configs map[int]GroupConfig

	// Chosen is the winning candidate.
	Chosen Candidate

	// Candidates lists every simulated size in ascending order.
	Candidates []Candidate

	// Filtered counts tensors excluded from the simulation as outliers.
	Filtered int
}

// SearchChunkConfiguration picks a chunk capacity by replaying the
// first-fit packing RegisterTensor would do for every candidate size and
// keeping the one that wastes the least capacity; ties go to the smaller
// size. sizesByGroup maps a worker-group size to its tensors' element
// counts in the order they will be registered, which is the order packing
// depends on.
func SearchChunkConfiguration(sizesByGroup map[int][]int, cfg SearchConfig) (SearchResult, error) {
	cfg = cfg.withDefaults()
	if len(sizesByGroup) == 0 {
		return SearchResult{}, errors.New("chunk size search: no tensors given")
	}
	var all []int
	for w, sizes := range sizesByGroup {
		if w < 1 {
			return SearchResult{}, errors.Errorf("chunk size search: invalid group size %d", w)
		}
		for _, s := range sizes {
			if s < 1 {
				return SearchResult{}, errors.Errorf("chunk size search: invalid tensor size %d in group %d", s, w)
			}
			all = append(all, s)
		}
	}
	if len(all) == 0 {
		return SearchResult{}, errors.New("chunk size search: no tensors given")
	}

	cutoff := extremeCutoff(all)
	filtered := 0
	floor := cfg.MinChunkSize
	simulated := make(map[int][]int, len(sizesByGroup))
	for w, sizes := range sizesByGroup {
		kept := make([]int, 0, len(sizes))
		for _, s := range sizes {
			if cfg.FilterExtreme && float64(s) > cutoff {
				filtered++
				continue
			}
			kept = append(kept, s)
			if s > floor {
				floor = s
			}
		}
		simulated[w] = kept
	}

	result := SearchResult{Filtered: filtered}
	for size := floor; size <= floor+cfg.SearchRange; size += cfg.SearchInterval {
		var waste int64
		for w, sizes := range simulated {
			waste += simulatePacking(sizes, size, w)
		}
		cand := Candidate{ChunkSize: size, Waste: waste}
		result.Candidates = append(result.Candidates, cand)
		if len(result.Candidates) == 1 || waste < result.Chosen.Waste {
			result.Chosen = cand
		}
	}

	result.Configs = make(map[int]GroupConfig, len(sizesByGroup))
	for w := range sizesByGroup {
		result.Configs[w] = GroupConfig{ChunkSize: result.Chosen.ChunkSize}
	}
	return result, nil
}

// extremeCutoff returns mean + 3*stddev of the sizes.
func extremeCutoff(sizes []int) float64 {
	var sum float64
	for _, s := range sizes {
		sum += float64(s)
	}
	mean := sum / float64(len(sizes))
	var sq float64
	for _, s := range sizes {
		d := float64(s) - mean
		sq += d * d
	}
	return mean + 3*math.Sqrt(sq/float64(len(sizes)))
}

// PackedChunk is one chunk of a simulated packing: which tensors landed in
// it, as indexes into the simulated size list, and its capacity accounting.
type PackedChunk struct {
	// Capacity is the element capacity after padding to a multiple of the
	// worker-group size.
	Capacity int

	// Used counts payload elements.
	Used int

	// Members indexes the packed tensors, in packing order.
	Members []int
}

// PlanPacking replays RegisterTensor's packing policy over sizes for one
// worker-group size: a tensor appends to the open chunk while it fits, one
// that does not fit opens the next chunk, and a tensor larger than
// chunkSize gets a chunk padded up from its own size.
func PlanPacking(sizes []int, chunkSize, w int) []PackedChunk {
	var plan []PackedChunk
	for i, s := range sizes {
		if n := len(plan) - 1; n >= 0 && plan[n].Used+s <= plan[n].Capacity {
			plan[n].Used += s
			plan[n].Members = append(plan[n].Members, i)
			continue
		}
		requested := chunkSize
		if s > requested {
			requested = s
		}
		if rem := requested % w; rem != 0 {
			requested += w - rem
		}
		plan = append(plan, PackedChunk{Capacity: requested, Used: s, Members: []int{i}})
	}
	return plan
}

// simulatePacking prices one candidate: the unused capacity the plan
// leaves behind, trailing chunk included.
func simulatePacking(sizes []int, chunkSize, w int) (waste int64) {
	for _, c := range PlanPacking(sizes, chunkSize, w) {
		waste += int64(c.Capacity - c.Used)
	}
	return waste
}
