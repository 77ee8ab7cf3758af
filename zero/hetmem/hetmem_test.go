package hetmem

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/techthiyanes/oslo-1/comm"
	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/types/shapes"
	"github.com/techthiyanes/oslo-1/zero/chunk"
)

// threeChunks registers tensors a, b, c of 8 elements each, one chunk per
// tensor (capacity 8, shard 4, 32 payload bytes), shards parked on the
// host.
func threeChunks(g comm.Group, cpuOffload bool) (*chunk.Manager, []*chunk.Parameter, error) {
	cm := chunk.NewManager(device.Accel(0), map[int]chunk.GroupConfig{g.Size(): {ChunkSize: 8}})
	var params []*chunk.Parameter
	for _, name := range []string{"a", "b", "c"} {
		p := chunk.NewParameter(name, shapes.Make(dtypes.Float32, 8), true)
		err := cm.RegisterTensor(p, "compute", g, nil, chunk.RegisterOptions{CPUOffload: cpuOffload})
		if err != nil {
			return nil, nil, err
		}
		params = append(params, p)
	}
	if err := cm.CloseAll(); err != nil {
		return nil, nil, err
	}
	return cm, params, nil
}

// runStep drives one full iteration: every parameter accessed in order,
// one period each, released right after.
func runStep(het *Manager, cm *chunk.Manager, params []*chunk.Parameter) error {
	het.PreIter()
	for _, p := range params {
		ps := []*chunk.Parameter{p}
		cs := cm.ChunksOf(ps)
		if err := het.AdjustLayout(ps, cs); err != nil {
			return err
		}
		for _, c := range cs {
			if err := het.AccessChunk(c); err != nil {
				return err
			}
		}
		for _, c := range cs {
			if err := cm.ReleaseChunk(c); err != nil {
				return err
			}
		}
	}
	het.PostIter()
	return nil
}

func TestWarmupObservesWithoutEvicting(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		cm, params, err := threeChunks(g, true)
		if err != nil {
			return err
		}
		// An 8-byte budget nothing fits in: warm-up must still pass, it
		// only observes.
		het := NewManager(PolicyAuto, cm, device.Accel(0), 8, nil)
		defer het.Close()
		if !het.IsWarmup() {
			return fmt.Errorf("rank %d: fresh auto manager should start in warm-up", g.Rank())
		}
		if err := runStep(het, cm, params); err != nil {
			return err
		}
		if het.IsWarmup() {
			return fmt.Errorf("rank %d: warm-up should end at PostIter", g.Rank())
		}
		stats := het.Stats()
		if stats.D2HBytes != 0 {
			return fmt.Errorf("rank %d: warm-up evicted %d bytes, want none", g.Rank(), stats.D2HBytes)
		}
		if het.Trace().Periods() != 3 {
			return fmt.Errorf("rank %d: recorded %d periods, want 3", g.Rank(), het.Trace().Periods())
		}
		if het.Trace().MaxDemand() != 32 {
			return fmt.Errorf("rank %d: peak demand %d, want 32", g.Rank(), het.Trace().MaxDemand())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAutoEvictsLeastSoonNeeded(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		cm, params, err := threeChunks(g, true)
		if err != nil {
			return err
		}
		het := NewManager(PolicyAuto, cm, device.Accel(0), 64, nil)
		defer het.Close()
		if err := runStep(het, cm, params); err != nil { // warm-up
			return err
		}

		// All three released shards rest on the fast tier (48 bytes).
		// Accessing a demands 32 more; the 64-byte budget forces one
		// eviction, and of the candidates b (needed at period 1) and c
		// (needed at period 2), c is the least soon needed.
		het.PreIter()
		ps := params[:1]
		cs := cm.ChunksOf(ps)
		if err := het.AdjustLayout(ps, cs); err != nil {
			return err
		}
		ca, cb, cc := params[0].Chunk(), params[1].Chunk(), params[2].Chunk()
		if !cc.Device().IsCPU() {
			return fmt.Errorf("rank %d: c should be evicted, is on %s", g.Rank(), cc.Device())
		}
		if !cb.Device().IsAccel() {
			return fmt.Errorf("rank %d: b should stay resident, is on %s", g.Rank(), cb.Device())
		}
		if !ca.Device().IsAccel() {
			return fmt.Errorf("rank %d: the accessed chunk must not be evicted", g.Rank())
		}
		if d2h := het.Stats().D2HBytes; d2h != 16 {
			return fmt.Errorf("rank %d: d2h volume %d, want the 16-byte shard", g.Rank(), d2h)
		}

		// The rest of the step still goes through.
		if err := het.AccessChunk(ca); err != nil {
			return err
		}
		if err := cm.ReleaseChunk(ca); err != nil {
			return err
		}
		for _, p := range params[1:] {
			ps := []*chunk.Parameter{p}
			cs := cm.ChunksOf(ps)
			if err := het.AdjustLayout(ps, cs); err != nil {
				return err
			}
			if err := het.AccessChunk(cs[0]); err != nil {
				return err
			}
			if err := cm.ReleaseChunk(cs[0]); err != nil {
				return err
			}
		}
		het.PostIter()
		return nil
	})
	require.NoError(t, err)
}

func TestAutoBudgetExhausted(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		cm, params, err := threeChunks(g, true)
		if err != nil {
			return err
		}
		// 40 bytes cannot hold a 32-byte gather next to a's own 16-byte
		// shard even with b and c gone.
		het := NewManager(PolicyAuto, cm, device.Accel(0), 40, nil)
		defer het.Close()
		if err := runStep(het, cm, params); err != nil {
			return err
		}
		het.PreIter()
		ps := params[:1]
		layoutErr := het.AdjustLayout(ps, cm.ChunksOf(ps))
		if layoutErr == nil || !strings.Contains(layoutErr.Error(), "placement budget exhausted") {
			return fmt.Errorf("rank %d: want a budget error, got %v", g.Rank(), layoutErr)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCPUPolicySweepsRestingShards(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		cm, params, err := threeChunks(g, true)
		if err != nil {
			return err
		}
		het := NewManager(PolicyCPU, cm, device.Accel(0), 0, nil)
		defer het.Close()
		if het.IsWarmup() {
			return fmt.Errorf("rank %d: static policies need no warm-up", g.Rank())
		}
		if het.DefaultGradsDevice() != device.CPU {
			return fmt.Errorf("rank %d: cpu policy grads belong on the host", g.Rank())
		}

		het.PreIter()
		psA := params[:1]
		if err := het.AdjustLayout(psA, cm.ChunksOf(psA)); err != nil {
			return err
		}
		ca := params[0].Chunk()
		if err := het.AccessChunk(ca); err != nil {
			return err
		}
		if err := cm.ReleaseChunk(ca); err != nil {
			return err
		}
		// Release parks a's shard on the fast tier; the next layout sweep
		// sends it back to the host.
		if !ca.Device().IsAccel() {
			return fmt.Errorf("rank %d: released shard should sit on the fast tier first", g.Rank())
		}
		psB := params[1:2]
		if err := het.AdjustLayout(psB, cm.ChunksOf(psB)); err != nil {
			return err
		}
		if !ca.Device().IsCPU() {
			return fmt.Errorf("rank %d: a's shard should be swept to the host, is on %s", g.Rank(), ca.Device())
		}
		if d2h := het.Stats().D2HBytes; d2h != 16 {
			return fmt.Errorf("rank %d: d2h volume %d, want 16", g.Rank(), d2h)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAccelPolicyNeverEvicts(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		cm, params, err := threeChunks(g, false)
		if err != nil {
			return err
		}
		het := NewManager(PolicyAccel, cm, device.Accel(0), 0, nil)
		defer het.Close()
		if het.DefaultGradsDevice() != device.Accel(0) {
			return fmt.Errorf("rank %d: accel policy grads stay on the fast tier", g.Rank())
		}
		for iter := 0; iter < 2; iter++ {
			if err := runStep(het, cm, params); err != nil {
				return err
			}
		}
		stats := het.Stats()
		if stats.D2HBytes != 0 {
			return fmt.Errorf("rank %d: accel policy moved %d bytes down", g.Rank(), stats.D2HBytes)
		}
		if stats.H2DBytes != 0 {
			return fmt.Errorf("rank %d: nothing should need staging, moved %d bytes up", g.Rank(), stats.H2DBytes)
		}
		for _, p := range params {
			if !p.Chunk().Device().IsAccel() {
				return fmt.Errorf("rank %d: %s left the fast tier", g.Rank(), p.Chunk())
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPrefetchBringsNextShardUp(t *testing.T) {
	w := comm.NewWorld(2)
	err := comm.Run(w, func(g comm.Group) error {
		cm, params, err := threeChunks(g, true)
		if err != nil {
			return err
		}
		het := NewManager(PolicyAuto, cm, device.Accel(0), 0, nil) // uncapped
		defer het.Close()
		if err := runStep(het, cm, params); err != nil { // warm-up
			return err
		}
		// Park every shard on the host, as gradient migration would.
		for _, p := range params {
			if err := het.MoveChunkTo(p.Chunk(), device.CPU, false); err != nil {
				return err
			}
		}
		before := het.Stats()

		// Laying out period 0 queues period 1's chunk (b) for prefetch.
		het.PreIter()
		psA := params[:1]
		if err := het.AdjustLayout(psA, cm.ChunksOf(psA)); err != nil {
			return err
		}
		cb := params[1].Chunk()
		het.mover.wait(cb)
		if !cb.Device().IsAccel() {
			return fmt.Errorf("rank %d: b's shard was not prefetched, is on %s", g.Rank(), cb.Device())
		}
		if grew := het.Stats().H2DBytes - before.H2DBytes; grew != 16 {
			return fmt.Errorf("rank %d: prefetch moved %d bytes up, want 16", g.Rank(), grew)
		}
		// b's gather then needs no staging, and the step completes.
		for _, p := range params {
			ps := []*chunk.Parameter{p}
			cs := cm.ChunksOf(ps)
			if p != params[0] {
				if err := het.AdjustLayout(ps, cs); err != nil {
					return err
				}
			}
			if err := het.AccessChunk(cs[0]); err != nil {
				return err
			}
			if err := cm.ReleaseChunk(cs[0]); err != nil {
				return err
			}
		}
		het.PostIter()
		return nil
	})
	require.NoError(t, err)
}

func TestMoverDedupAndClose(t *testing.T) {
	g := comm.NewWorld(1).Group(0)
	cm := chunk.NewManager(device.Accel(0), map[int]chunk.GroupConfig{1: {ChunkSize: 8}})
	p := chunk.NewParameter("p", shapes.Make(dtypes.Float32, 8), true)
	require.NoError(t, cm.RegisterTensor(p, "compute", g, nil, chunk.RegisterOptions{}))
	require.NoError(t, cm.CloseAll())
	c := p.Chunk()

	var total int64
	v := newMover(cm, device.Accel(0), func(bytes int64) { total += bytes })

	// A single-rank chunk is keep-gathered: its full 32-byte buffer moves.
	_, err := cm.MoveChunk(c, device.CPU, false)
	require.NoError(t, err)
	v.enqueue(c)
	v.wait(c)
	require.True(t, c.Device().IsAccel())
	require.Equal(t, int64(32), total)

	// Already resident: a second round moves nothing.
	v.enqueue(c)
	v.wait(c)
	require.Equal(t, int64(32), total)

	v.close()
	v.close()    // idempotent
	v.enqueue(c) // no-op after close
	v.wait(c)    // nothing in flight
}

func TestStatsString(t *testing.T) {
	s := Stats{
		DemandTime: 1500 * time.Microsecond,
		LayoutTime: 2 * time.Millisecond,
		EvictTime:  500 * time.Microsecond,
		H2DBytes:   2 << 20,
		D2HBytes:   1 << 20,
	}
	out := s.String()
	require.Contains(t, out, "h2d=2.0 MiB")
	require.Contains(t, out, "d2h=1.0 MiB")
	require.Contains(t, out, "layout=2ms")
}

func TestParsePolicy(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Policy
	}{
		{"cpu", PolicyCPU},
		{"accel", PolicyAccel},
		{"cuda", PolicyAccel},
		{" Auto ", PolicyAuto},
	} {
		got, err := ParsePolicy(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
	_, err := ParsePolicy("disk")
	require.ErrorContains(t, err, "unknown placement policy")
	require.Equal(t, "auto", PolicyAuto.String())
}
