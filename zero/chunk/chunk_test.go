package chunk

import (
	"fmt"
	"math"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/techthiyanes/oslo-1/comm"
	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/internal/floats"
	"github.com/techthiyanes/oslo-1/types/shapes"
)

func flatOf(values ...float64) any {
	flat := floats.Alloc(dtypes.Float32, len(values))
	floats.FillFromFloat64s(flat, values)
	return flat
}

func repeated(value float64, n int) any {
	flat := floats.Alloc(dtypes.Float32, n)
	floats.Fill(flat, value)
	return flat
}

func repeatedF(value float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

// singleRank returns the lone group of a one-worker world.
func singleRank() comm.Group {
	return comm.NewWorld(1).Group(0)
}

func TestAppendAndClose(t *testing.T) {
	g := singleRank()
	c := newChunk(1, "compute_1", g, dtypes.Float32, 10, device.Accel(0), chunkOptions{})
	require.False(t, c.Closed())

	a := NewParameter("a", shapes.Make(dtypes.Float32, 2, 2), true)
	b := NewParameter("b", shapes.Make(dtypes.Float32, 6), true)
	require.NoError(t, c.Append(a, repeated(0.5, 4)))
	require.NoError(t, c.Append(b, repeated(1, 6)))
	require.Equal(t, 10, c.Utilized())
	require.Same(t, c, a.Chunk())

	// Full to the brim: one more element does not fit.
	overflow := NewParameter("c", shapes.Make(dtypes.Float32, 1), true)
	err := c.Append(overflow, nil)
	require.ErrorIs(t, err, ErrChunkFull)
	require.Nil(t, overflow.Chunk())

	// Wrong dtype and double membership are rejected before any write.
	wrongDType := NewParameter("d", shapes.Make(dtypes.Float64, 1), true)
	require.Error(t, c.Append(wrongDType, nil))
	require.Error(t, c.Append(a, nil))

	require.NoError(t, c.Close())
	require.True(t, c.Closed())
	require.Error(t, c.Close())
	late := NewParameter("e", shapes.Make(dtypes.Float32, 1), true)
	require.ErrorContains(t, c.Append(late, nil), "closed")

	// One worker means the shard is the whole buffer.
	require.Equal(t, 10, c.ShardSize())
	require.False(t, c.IsGathered())
}

func TestCapacityRoundsUpToGroupSize(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		c := newChunk(1, "compute_2", g, dtypes.Float32, 5, device.Accel(0), chunkOptions{})
		if c.Capacity() != 6 || c.ShardSize() != 3 {
			return fmt.Errorf("capacity=%d shard=%d, want 6 and 3", c.Capacity(), c.ShardSize())
		}
		return nil
	})
	require.NoError(t, err)
}

// Two workers, a 10-element chunk holding a 4-element and a 6-element
// tensor. After both gradients arrive the single reduce-scatter fires,
// every element is divided by the group size, and each rank keeps its
// averaged 5-element shard.
func TestGatherReduceTwoRanks(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		c := newChunk(1, "compute_2", g, dtypes.Float32, 10, device.Accel(0), chunkOptions{})
		a := NewParameter("a", shapes.Make(dtypes.Float32, 4), true)
		b := NewParameter("b", shapes.Make(dtypes.Float32, 2, 3), true)
		if err := c.Append(a, repeated(0.5, 4)); err != nil {
			return err
		}
		if err := c.Append(b, repeated(1, 6)); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			return err
		}

		if _, err := c.Gather(); err != nil {
			return err
		}
		if !c.IsGathered() {
			return fmt.Errorf("rank %d: chunk not gathered after Gather", g.Rank())
		}
		if _, err := c.Gather(); err != nil { // idempotent
			return err
		}

		// Nothing to reduce yet: not all members are ready.
		if fired, err := c.Reduce(); err != nil || fired {
			return fmt.Errorf("rank %d: premature reduce fired=%v err=%v", g.Rank(), fired, err)
		}

		for _, p := range []*Parameter{a, b} {
			if err := c.transState(p.ID(), StateCompute); err != nil {
				return err
			}
			if err := c.transState(p.ID(), StateReadyForReduce); err != nil {
				return err
			}
		}
		fired, err := c.Reduce()
		if err != nil {
			return err
		}
		if !fired {
			return fmt.Errorf("rank %d: reduce did not fire", g.Rank())
		}
		if c.IsGathered() {
			return fmt.Errorf("rank %d: chunk still gathered after reduce", g.Rank())
		}

		// Identical contributions from both ranks, so averaging is the
		// identity: rank 0 sees [0.5 0.5 0.5 0.5 1], rank 1 [1 1 1 1 1].
		got := floats.Float64s(c.shard)
		want := []float64{0.5, 0.5, 0.5, 0.5, 1}
		if g.Rank() == 1 {
			want = []float64{1, 1, 1, 1, 1}
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("rank %d: shard=%v, want %v", g.Rank(), got, want)
			}
		}
		if st, _ := c.StateOf(a.ID()); st != StateHold {
			return fmt.Errorf("rank %d: state %s after reduce, want HOLD", g.Rank(), st)
		}
		if c.Overflowed() {
			return fmt.Errorf("rank %d: spurious overflow", g.Rank())
		}

		// The fired reduction consumed the READY_FOR_REDUCE states; it
		// cannot fire again for the same gradients.
		if fired, err := c.Reduce(); err != nil || fired {
			return fmt.Errorf("rank %d: reduce fired twice", g.Rank())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReduceKeepGathered(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		c := newChunk(1, "compute_2", g, dtypes.Float32, 4, device.Accel(0), chunkOptions{keepGathered: true})
		a := NewParameter("a", shapes.Make(dtypes.Float32, 4), true)
		if err := c.Append(a, flatOf(2, 4, 6, 8)); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			return err
		}
		if !c.IsGathered() {
			return fmt.Errorf("rank %d: keep-gathered chunk not gathered after close", g.Rank())
		}
		if err := c.Release(); err == nil {
			return fmt.Errorf("rank %d: release of a keep-gathered chunk did not fail", g.Rank())
		}

		if err := c.transState(a.ID(), StateCompute); err != nil {
			return err
		}
		if err := c.transState(a.ID(), StateReadyForReduce); err != nil {
			return err
		}
		fired, err := c.Reduce()
		if err != nil {
			return err
		}
		if !fired || !c.IsGathered() {
			return fmt.Errorf("rank %d: fired=%v gathered=%v, want true/true", g.Rank(), fired, c.IsGathered())
		}
		// In-place all-reduce then division: identical inputs average to
		// themselves, and the full buffer survives on both ranks.
		got := floats.Float64s(c.full)
		for i, want := range []float64{2, 4, 6, 8} {
			if got[i] != want {
				return fmt.Errorf("rank %d: full=%v", g.Rank(), got)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReleaseRules(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		c := newChunk(1, "compute_2", g, dtypes.Float32, 4, device.Accel(0), chunkOptions{})
		a := NewParameter("a", shapes.Make(dtypes.Float32, 4), true)
		if err := c.Append(a, flatOf(1, 2, 3, 4)); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			return err
		}
		if err := c.Release(); err == nil {
			return fmt.Errorf("rank %d: released a chunk that was never gathered", g.Rank())
		}
		if _, err := c.Gather(); err != nil {
			return err
		}
		if err := c.transState(a.ID(), StateCompute); err != nil {
			return err
		}
		if c.CanRelease() {
			return fmt.Errorf("rank %d: releasable while a tensor is in COMPUTE", g.Rank())
		}
		if err := c.Release(); err == nil {
			return fmt.Errorf("rank %d: release did not fail with a tensor in COMPUTE", g.Rank())
		}
		if err := c.transState(a.ID(), StateHold); err != nil {
			return err
		}
		if err := c.Release(); err != nil {
			return err
		}
		// Each rank keeps its window of the gathered values.
		got := floats.Float64s(c.shard)
		want := []float64{1, 2}
		if g.Rank() == 1 {
			want = []float64{3, 4}
		}
		if got[0] != want[0] || got[1] != want[1] {
			return fmt.Errorf("rank %d: shard=%v, want %v", g.Rank(), got, want)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestIllegalTransition(t *testing.T) {
	g := singleRank()
	c := newChunk(1, "compute_1", g, dtypes.Float32, 2, device.Accel(0), chunkOptions{})
	a := NewParameter("weight", shapes.Make(dtypes.Float32, 2), true)
	require.NoError(t, c.Append(a, nil))
	require.NoError(t, c.Close())

	err := c.transState(a.ID(), StateHoldAfterBackward)
	require.ErrorContains(t, err, "weight")
	require.ErrorContains(t, err, "HOLD")

	unknown := NewParameter("other", shapes.Make(dtypes.Float32, 2), true)
	require.Error(t, c.transState(unknown.ID(), StateCompute))
}

func TestReduceOverflowAndL2Norm(t *testing.T) {
	g := singleRank()
	c := newChunk(1, "grads_1", g, dtypes.Float32, 2, device.Accel(0), chunkOptions{l2Norm: true})
	a := NewParameter("a", shapes.Make(dtypes.Float32, 2), true)
	require.NoError(t, c.Append(a, nil))
	require.NoError(t, c.Close())

	_, err := c.Gather()
	require.NoError(t, err)
	require.NoError(t, c.transState(a.ID(), StateCompute))
	require.NoError(t, c.CopyTensorToChunkSlice(a, flatOf(3, 4)))
	require.NoError(t, c.transState(a.ID(), StateReadyForReduce))

	fired, err := c.Reduce()
	require.NoError(t, err)
	require.True(t, fired)
	require.False(t, c.Overflowed())
	norm, ok := c.L2NormSquared()
	require.True(t, ok)
	require.InDelta(t, 25.0, norm, 1e-9)

	// Second round carrying an infinity trips the overflow flag.
	_, err = c.Gather()
	require.NoError(t, err)
	require.NoError(t, c.transState(a.ID(), StateCompute))
	require.NoError(t, c.CopyTensorToChunkSlice(a, flatOf(1, math.Inf(1))))
	require.NoError(t, c.transState(a.ID(), StateReadyForReduce))
	fired, err = c.Reduce()
	require.NoError(t, err)
	require.True(t, fired)
	require.True(t, c.Overflowed())
}

func TestMoveAndPinnedShadow(t *testing.T) {
	g := singleRank()
	accel := device.Accel(0)
	c := newChunk(1, "compute_1", g, dtypes.Float32, 2, accel, chunkOptions{cpuOffload: true, pinMemory: true})
	a := NewParameter("a", shapes.Make(dtypes.Float32, 2), true)
	require.NoError(t, c.Append(a, flatOf(7, 9)))
	require.NoError(t, c.Close())
	require.Equal(t, device.CPU, c.Device())

	// Host to fast tier always copies.
	copied, err := c.Move(accel, false)
	require.NoError(t, err)
	require.Equal(t, int64(8), copied)
	require.Equal(t, accel, c.Device())

	// Same destination is free.
	copied, err = c.Move(accel, false)
	require.NoError(t, err)
	require.Zero(t, copied)

	// Back to host: the pinned shadow is still valid, no copy.
	copied, err = c.Move(device.CPU, false)
	require.NoError(t, err)
	require.Zero(t, copied)
	got := floats.Float64s(c.shard)
	require.Equal(t, []float64{7, 9}, got)

	// forceCopy overrides the skip.
	_, err = c.Move(accel, false)
	require.NoError(t, err)
	copied, err = c.Move(device.CPU, true)
	require.NoError(t, err)
	require.Equal(t, int64(8), copied)

	// A reduce dirties the payload; the next descent must copy again.
	_, err = c.Gather()
	require.NoError(t, err)
	require.NoError(t, c.transState(a.ID(), StateCompute))
	require.NoError(t, c.CopyTensorToChunkSlice(a, flatOf(1, 2)))
	require.NoError(t, c.transState(a.ID(), StateReadyForReduce))
	fired, err := c.Reduce()
	require.NoError(t, err)
	require.True(t, fired)
	require.Equal(t, accel, c.Device())
	copied, err = c.Move(device.CPU, false)
	require.NoError(t, err)
	require.Equal(t, int64(8), copied)
	require.Equal(t, []float64{1, 2}, floats.Float64s(c.shard))
}

func TestMoveGatheredChunkFails(t *testing.T) {
	g := singleRank()
	c := newChunk(1, "compute_1", g, dtypes.Float32, 2, device.Accel(0), chunkOptions{})
	a := NewParameter("a", shapes.Make(dtypes.Float32, 2), true)
	require.NoError(t, c.Append(a, nil))
	require.NoError(t, c.Close())
	_, err := c.Gather()
	require.NoError(t, err)
	_, err = c.Move(device.CPU, false)
	require.ErrorContains(t, err, "gathered")
}

func TestKeepGatheredMoveCarriesFullBuffer(t *testing.T) {
	g := singleRank()
	c := newChunk(1, "compute_1", g, dtypes.Float32, 4, device.Accel(0), chunkOptions{keepGathered: true})
	a := NewParameter("a", shapes.Make(dtypes.Float32, 4), true)
	require.NoError(t, c.Append(a, flatOf(1, 2, 3, 4)))
	require.NoError(t, c.Close())
	require.True(t, c.IsGathered())

	copied, err := c.Move(device.CPU, false)
	require.NoError(t, err)
	require.Equal(t, c.ChunkMem(), copied)
	require.Equal(t, device.CPU, c.Device())
	require.True(t, c.IsGathered())
}

func TestTensorAndShardSlices(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		c := newChunk(1, "compute_2", g, dtypes.Float32, 6, device.Accel(0), chunkOptions{})
		a := NewParameter("a", shapes.Make(dtypes.Float32, 2), true)
		b := NewParameter("b", shapes.Make(dtypes.Float32, 4), true)
		if err := c.Append(a, flatOf(1, 2)); err != nil {
			return err
		}
		if err := c.Append(b, flatOf(3, 4, 5, 6)); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			return err
		}

		// At rest: tensor b straddles the shard boundary at element 3.
		flat, off, ok, err := c.ShardSlice(b)
		if err != nil || !ok {
			return fmt.Errorf("rank %d: ShardSlice(b) ok=%v err=%v", g.Rank(), ok, err)
		}
		got := floats.Float64s(flat)
		if g.Rank() == 0 {
			if off != 0 || len(got) != 1 || got[0] != 3 {
				return fmt.Errorf("rank 0: b window off=%d vals=%v", off, got)
			}
		} else {
			if off != 1 || len(got) != 3 || got[0] != 4 {
				return fmt.Errorf("rank 1: b window off=%d vals=%v", off, got)
			}
		}
		// Tensor a lives entirely in rank 0's shard.
		_, _, ok, err = c.ShardSlice(a)
		if err != nil {
			return err
		}
		if wantOK := g.Rank() == 0; ok != wantOK {
			return fmt.Errorf("rank %d: ShardSlice(a) ok=%v, want %v", g.Rank(), ok, wantOK)
		}

		if _, err := c.TensorSlice(a); err == nil {
			return fmt.Errorf("rank %d: TensorSlice worked on a non-gathered chunk", g.Rank())
		}
		if _, err := c.Gather(); err != nil {
			return err
		}
		flat, err = c.TensorSlice(b)
		if err != nil {
			return err
		}
		got = floats.Float64s(flat)
		if len(got) != 4 || got[0] != 3 || got[3] != 6 {
			return fmt.Errorf("rank %d: TensorSlice(b)=%v", g.Rank(), got)
		}
		if _, _, _, err := c.ShardSlice(b); err == nil {
			return fmt.Errorf("rank %d: ShardSlice worked on a gathered chunk", g.Rank())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestInitPairAndOptimUpdate(t *testing.T) {
	g := singleRank()
	compute := newChunk(1, "compute_1", g, dtypes.Float16, 4, device.Accel(0), chunkOptions{})
	master := newChunk(2, "master_1", g, dtypes.Float32, 4, device.Accel(0), chunkOptions{})
	for _, c := range []*Chunk{compute, master} {
		a := NewParameter("a", shapes.Make(c.DType(), 2), true)
		b := NewParameter("b", shapes.Make(c.DType(), 2), true)
		require.NoError(t, c.Append(a, nil))
		require.NoError(t, c.Append(b, nil))
		require.NoError(t, c.Close())
	}

	require.Error(t, master.InitPair(master))
	require.NoError(t, master.InitPair(compute))
	require.True(t, master.IsMaster())
	require.False(t, compute.IsMaster())
	require.Same(t, compute, master.PairedChunk())
	require.Error(t, master.InitPair(compute)) // immutable

	// Shard-to-shard cast while both sit at rest.
	floats.FillFromFloat64s(master.shard, []float64{1.5, 2.5, -3, 0.25})
	require.NoError(t, master.OptimUpdate())
	require.Equal(t, []float64{1.5, 2.5, -3, 0.25}, floats.Float64s(compute.shard))

	// The compute side never drives the propagation.
	require.ErrorContains(t, compute.OptimUpdate(), "master")

	// Mixed gathering is a broken invariant, not a silent path choice.
	_, err := compute.Gather()
	require.NoError(t, err)
	require.ErrorContains(t, master.OptimUpdate(), "gathering")

	_, err = master.Gather()
	require.NoError(t, err)
	floats.FillFromFloat64s(master.full, []float64{4, 3, 2, 1})
	require.NoError(t, master.OptimUpdate())
	require.Equal(t, []float64{4, 3, 2, 1}, floats.Float64s(compute.full))
}

func TestInitPairLayoutMismatch(t *testing.T) {
	g := singleRank()
	compute := newChunk(1, "compute_1", g, dtypes.Float16, 4, device.Accel(0), chunkOptions{})
	master := newChunk(2, "master_1", g, dtypes.Float32, 4, device.Accel(0), chunkOptions{})
	ca := NewParameter("a", shapes.Make(dtypes.Float16, 3), true)
	require.NoError(t, compute.Append(ca, nil))
	require.NoError(t, compute.Close())
	ma := NewParameter("a", shapes.Make(dtypes.Float32, 2), true)
	mb := NewParameter("b", shapes.Make(dtypes.Float32, 2), true)
	require.NoError(t, master.Append(ma, nil))
	require.NoError(t, master.Append(mb, nil))
	require.NoError(t, master.Close())

	require.ErrorContains(t, master.InitPair(compute), "mirror")
}

func TestMemoryUsageAccounting(t *testing.T) {
	g := singleRank()
	accel := device.Accel(0)
	c := newChunk(1, "compute_1", g, dtypes.Float32, 4, accel, chunkOptions{cpuOffload: true, pinMemory: true})
	a := NewParameter("a", shapes.Make(dtypes.Float32, 4), true)
	require.NoError(t, c.Append(a, nil))

	// Open: staging counts on the host.
	require.Equal(t, int64(16), c.MemoryUsage().CPUBytes)
	require.Zero(t, c.MemoryUsage().AccelBytes)

	require.NoError(t, c.Close())
	// At rest on the host, the shard and its shadow are one buffer.
	require.Equal(t, int64(16), c.MemoryUsage().CPUBytes)
	require.Zero(t, c.MemoryUsage().AccelBytes)

	_, err := c.Move(accel, false)
	require.NoError(t, err)
	// On the fast tier the pinned shadow stays behind.
	require.Equal(t, int64(16), c.MemoryUsage().CPUBytes)
	require.Equal(t, int64(16), c.MemoryUsage().AccelBytes)

	_, err = c.Gather()
	require.NoError(t, err)
	// Gathered: the full buffer replaces the shard on the fast tier.
	require.Equal(t, int64(16), c.MemoryUsage().CPUBytes)
	require.Equal(t, int64(16), c.MemoryUsage().AccelBytes)
}

func TestSnapshotBuffers(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		c := newChunk(1, "master_10", g, dtypes.Float32, 10, device.Accel(0), chunkOptions{})
		a := NewParameter("a", shapes.Make(dtypes.Float32, 4), true)
		b := NewParameter("b", shapes.Make(dtypes.Float32, 2, 3), true)
		if err := c.Append(a, repeated(0.5, 4)); err != nil {
			return err
		}
		if err := c.Append(b, repeated(1, 6)); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			return err
		}

		// A gather into scratch space leaves the chunk sharded.
		temp, err := c.GatherToTemp()
		if err != nil {
			return err
		}
		if c.IsGathered() {
			return fmt.Errorf("rank %d: GatherToTemp disturbed the chunk", g.Rank())
		}
		vals := floats.Float64s(temp)
		want := append(repeatedF(0.5, 4), repeatedF(1, 6)...)
		if !slices.Equal(vals, want) {
			return fmt.Errorf("rank %d: GatherToTemp=%v, want %v", g.Rank(), vals, want)
		}
		bs, err := c.TensorFromTemp(b, temp)
		if err != nil {
			return err
		}
		if got := floats.Float64s(bs); !slices.Equal(got, repeatedF(1, 6)) {
			return fmt.Errorf("rank %d: TensorFromTemp(b)=%v", g.Rank(), got)
		}

		// A local scratch buffer only carries this rank's window.
		local, err := c.TempFromLocal()
		if err != nil {
			return err
		}
		vals = floats.Float64s(local)
		var wantLocal []float64
		if g.Rank() == 0 {
			wantLocal = []float64{0.5, 0.5, 0.5, 0.5, 1, 0, 0, 0, 0, 0}
		} else {
			wantLocal = []float64{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}
		}
		if !slices.Equal(vals, wantLocal) {
			return fmt.Errorf("rank %d: TempFromLocal=%v", g.Rank(), vals)
		}

		// Overwrite tensor a in scratch, then commit: each rank keeps
		// only its own window of the edit.
		if err := c.WriteTensorToTemp(a, temp, repeated(2, 4)); err != nil {
			return err
		}
		if err := c.CommitTemp(temp); err != nil {
			return err
		}
		flat, _, ok, err := c.ShardSlice(a)
		if err != nil {
			return err
		}
		if g.Rank() == 0 {
			if !ok {
				return fmt.Errorf("rank 0: lost tensor a's shard window")
			}
			if got := floats.Float64s(flat); !slices.Equal(got, repeatedF(2, 4)) {
				return fmt.Errorf("rank 0: committed shard=%v", got)
			}
		} else if ok {
			return fmt.Errorf("rank 1: tensor a appeared in the upper shard")
		}
		if _, err := c.Gather(); err != nil {
			return err
		}
		full, err := c.TensorSlice(a)
		if err != nil {
			return err
		}
		if got := floats.Float64s(full); !slices.Equal(got, repeatedF(2, 4)) {
			return fmt.Errorf("rank %d: gathered a=%v after commit", g.Rank(), got)
		}
		return nil
	})
	require.NoError(t, err)
}
