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

// Package comm provides the worker-group collectives the sharding layer is
// built on: all-gather (reassemble a full chunk buffer from per-rank
// shards), reduce-scatter (sum per-rank contributions, hand each rank its
// shard of the sum) and all-reduce (sum replicated on every rank).
//
// A Group is one rank's handle; every rank of a group must call the same
// collective in the same order or the group deadlocks, which mirrors how
// NCCL-style communicators behave. The in-process implementation (World)
// runs the W ranks as goroutines of one test or training process and
// rendezvouses them in shared memory; see local.go.
//
// Reductions always sum, in the payload's own dtype, accumulating rank by
// rank in ascending rank order so every run is deterministic. The division
// by group size that gradient averaging needs is applied by the chunk layer
// after the collective, not here.
package comm

import "golang.org/x/sync/errgroup"

// Group is one rank's membership in a worker group of Size() cooperating
// ranks. Implementations must be safe for use from the owning rank's
// goroutine only; a rank never shares its Group handle.
type Group interface {
	// Rank is this member's index, in [0, Size).
	Rank() int

	// Size is the number of ranks in the group.
	Size() int

	// ID identifies the underlying group, shared by all ranks, for logs.
	ID() string

	// AllGather concatenates every rank's shard in rank order into full.
	// All ranks must pass shards of one dtype and length n, and a full
	// buffer of length n*Size(). On return full holds rank 0's shard at
	// [0:n), rank 1's at [n:2n), and so on, identically on every rank.
	AllGather(shard, full any) error

	// ReduceScatter sums the ranks' full buffers elementwise and writes
	// rank r's window of the sum, full[r*n:(r+1)*n], into r's shard of
	// length n. All ranks must pass full buffers of one dtype and length
	// n*Size().
	ReduceScatter(full, shard any) error

	// AllReduce sums flat elementwise across ranks, in place: on return
	// every rank's flat holds the sum. All ranks must pass buffers of one
	// dtype and length.
	AllReduce(flat any) error

	// Barrier blocks until every rank has entered it.
	Barrier() error
}

// Run executes fn once per rank of the world, each on its own goroutine
// with that rank's Group handle, and waits for all of them. The first
// non-nil error is returned. It is how tests and single-process training
// drivers stand up a worker group.
func Run(w *World, fn func(g Group) error) error {
	var eg errgroup.Group
	for rank := 0; rank < w.Size(); rank++ {
		g := w.Group(rank)
		eg.Go(func() error { return fn(g) })
	}
	return eg.Wait()
}
