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

package comm

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/internal/floats"
)

// World is an in-process worker group: its W ranks are goroutines of the
// same process and its collectives rendezvous through shared memory. One
// World backs one group; ranks obtain their handles with Group.
//
// The rendezvous is strictly ordered: a round only forms once the previous
// one fully retired, and joining a round with a different collective than
// the one in flight fails the round for every rank instead of deadlocking.
type World struct {
	id   uuid.UUID
	size int

	mu   sync.Mutex
	cond *sync.Cond
	cur  *round
}

// round is one in-flight collective: per-rank source and destination
// buffers, and the gates ranks pass on the way in and out.
type round struct {
	op       collectiveOp
	src, dst []any
	arrived  int
	applied  bool
	departed int
	err      error
}

type collectiveOp uint8

const (
	opAllGather collectiveOp = iota
	opReduceScatter
	opAllReduce
	opBarrier
)

func (op collectiveOp) String() string {
	switch op {
	case opAllGather:
		return "AllGather"
	case opReduceScatter:
		return "ReduceScatter"
	case opAllReduce:
		return "AllReduce"
	case opBarrier:
		return "Barrier"
	}
	return fmt.Sprintf("collectiveOp(%d)", op)
}

// NewWorld creates an in-process world with the given number of ranks.
func NewWorld(size int) *World {
	if size < 1 {
		exceptions.Panicf("comm.NewWorld: size must be >= 1, got %d", size)
	}
	w := &World{id: uuid.New(), size: size}
	w.cond = sync.NewCond(&w.mu)
	klog.V(1).Infof("comm: new in-process world %s with %d rank(s)", w.id, size)
	return w
}

// Size is the number of ranks in the world.
func (w *World) Size() int { return w.size }

// ID identifies the world, shared by all its Group handles.
func (w *World) ID() string { return w.id.String() }

// Group returns rank's handle. Panics if rank is out of [0, Size).
func (w *World) Group(rank int) Group {
	if rank < 0 || rank >= w.size {
		exceptions.Panicf("comm: World.Group(%d) out of range, world has %d ranks", rank, w.size)
	}
	return &localGroup{world: w, rank: rank}
}

type localGroup struct {
	world *World
	rank  int
}

func (g *localGroup) Rank() int  { return g.rank }
func (g *localGroup) Size() int  { return g.world.size }
func (g *localGroup) ID() string { return g.world.ID() }

func (g *localGroup) String() string {
	return fmt.Sprintf("rank %d/%d of world %s", g.rank, g.world.size, g.world.id)
}

func (g *localGroup) AllGather(shard, full any) error {
	return g.world.rendezvous(g.rank, opAllGather, shard, full)
}

// ReduceScatter requires that no rank's shard aliases another rank's full
// buffer; the summation writes shards while reading the full buffers.
func (g *localGroup) ReduceScatter(full, shard any) error {
	return g.world.rendezvous(g.rank, opReduceScatter, full, shard)
}

func (g *localGroup) AllReduce(flat any) error {
	return g.world.rendezvous(g.rank, opAllReduce, flat, flat)
}

func (g *localGroup) Barrier() error {
	return g.world.rendezvous(g.rank, opBarrier, nil, nil)
}

// rendezvous joins the current round (opening it if needed), waits for all
// ranks, lets the last arrival apply the collective, and retires the round
// once every rank has picked up its result.
func (w *World) rendezvous(rank int, op collectiveOp, src, dst any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A round that has all its ranks is draining; wait for a fresh one.
	for w.cur != nil && w.cur.arrived == w.size {
		w.cond.Wait()
	}
	r := w.cur
	if r == nil {
		r = &round{op: op, src: make([]any, w.size), dst: make([]any, w.size)}
		w.cur = r
	}
	if r.err == nil && r.op != op {
		r.err = errors.Errorf("comm: collective mismatch in world %s: rank %d called %s while the open round is %s",
			w.id, rank, op, r.op)
	}
	r.src[rank], r.dst[rank] = src, dst
	r.arrived++
	if r.arrived == w.size {
		if r.err == nil {
			r.err = w.apply(r)
		}
		r.applied = true
		w.cond.Broadcast()
	} else {
		for !r.applied {
			w.cond.Wait()
		}
	}
	err := r.err
	r.departed++
	if r.departed == w.size {
		w.cur = nil
		w.cond.Broadcast()
	}
	return err
}

func (w *World) apply(r *round) error {
	switch r.op {
	case opBarrier:
		return nil
	case opAllGather:
		return w.applyAllGather(r.src, r.dst)
	case opReduceScatter:
		return w.applyReduceScatter(r.src, r.dst)
	case opAllReduce:
		return w.applyAllReduce(r.src, r.dst)
	}
	return errors.Errorf("comm: unknown collective %s", r.op)
}

func (w *World) applyAllGather(shards, fulls []any) error {
	n := floats.Len(shards[0])
	dtype := floats.DTypeOf(shards[0])
	for rank, shard := range shards {
		if floats.Len(shard) != n || floats.DTypeOf(shard) != dtype {
			return errors.Errorf("comm: AllGather in world %s: rank %d passed shard %s[%d], rank 0 passed %s[%d]",
				w.id, rank, floats.DTypeOf(shard), floats.Len(shard), dtype, n)
		}
	}
	for rank, full := range fulls {
		if floats.Len(full) != n*w.size || floats.DTypeOf(full) != dtype {
			return errors.Errorf("comm: AllGather in world %s: rank %d passed full buffer %s[%d], want %s[%d]",
				w.id, rank, floats.DTypeOf(full), floats.Len(full), dtype, n*w.size)
		}
	}
	for _, full := range fulls {
		for rank, shard := range shards {
			floats.Copy(floats.Slice(full, rank*n, (rank+1)*n), shard)
		}
	}
	return nil
}

func (w *World) applyReduceScatter(fulls, shards []any) error {
	n := floats.Len(shards[0])
	dtype := floats.DTypeOf(shards[0])
	for rank, shard := range shards {
		if floats.Len(shard) != n || floats.DTypeOf(shard) != dtype {
			return errors.Errorf("comm: ReduceScatter in world %s: rank %d passed shard %s[%d], rank 0 passed %s[%d]",
				w.id, rank, floats.DTypeOf(shard), floats.Len(shard), dtype, n)
		}
	}
	for rank, full := range fulls {
		if floats.Len(full) != n*w.size || floats.DTypeOf(full) != dtype {
			return errors.Errorf("comm: ReduceScatter in world %s: rank %d passed full buffer %s[%d], want %s[%d]",
				w.id, rank, floats.DTypeOf(full), floats.Len(full), dtype, n*w.size)
		}
	}
	for rank, shard := range shards {
		floats.Zero(shard)
		for _, full := range fulls {
			floats.AddTo(shard, floats.Slice(full, rank*n, (rank+1)*n))
		}
	}
	return nil
}

func (w *World) applyAllReduce(srcs, dsts []any) error {
	n := floats.Len(srcs[0])
	dtype := floats.DTypeOf(srcs[0])
	for rank, src := range srcs {
		if floats.Len(src) != n || floats.DTypeOf(src) != dtype {
			return errors.Errorf("comm: AllReduce in world %s: rank %d passed %s[%d], rank 0 passed %s[%d]",
				w.id, rank, floats.DTypeOf(src), floats.Len(src), dtype, n)
		}
	}
	sum := floats.Alloc(dtype, n)
	for _, src := range srcs {
		floats.AddTo(sum, src)
	}
	for _, dst := range dsts {
		floats.Copy(dst, sum)
	}
	return nil
}
