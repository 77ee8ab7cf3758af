package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceString(t *testing.T) {
	require.Equal(t, "cpu", CPU.String())
	require.Equal(t, "accel:1", Accel(1).String())
	require.True(t, CPU.IsCPU())
	require.True(t, Accel(0).IsAccel())
	require.False(t, Accel(0).IsCPU())
}

func TestUsageArithmetic(t *testing.T) {
	u := UsageOn(CPU, 100).Plus(UsageOn(Accel(0), 40))
	require.Equal(t, int64(100), u.On(KindCPU))
	require.Equal(t, int64(40), u.On(KindAccel))
	require.Equal(t, int64(140), u.Total())

	u = u.Minus(UsageOn(Accel(0), 40))
	require.Equal(t, Usage{CPUBytes: 100}, u)
}
