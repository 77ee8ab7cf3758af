package shapes

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 4, 6)
	require.True(t, s.Ok())
	require.Equal(t, 2, s.Rank())
	require.Equal(t, 24, s.Size())
	require.Equal(t, uintptr(24*4), s.Memory())
	require.Equal(t, "(Float32)[4 6]", s.String())

	// Invalid dimensions must panic.
	err := exceptions.TryCatch[error](func() { Make(dtypes.Float32, 4, 0) })
	require.Error(t, err)
}

func TestScalar(t *testing.T) {
	s := Scalar(dtypes.Float64)
	require.True(t, s.IsScalar())
	require.Equal(t, 1, s.Size())
	require.Equal(t, uintptr(8), s.Memory())
	require.False(t, Invalid().Ok())
}

func TestEqualAndClone(t *testing.T) {
	a := Make(dtypes.Float32, 2, 2)
	b := Make(dtypes.Float32, 2, 2)
	c := Make(dtypes.Float32, 4)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.EqualDimensions(c))

	// A clone must not share the dimensions slice.
	d := a.Clone()
	d.Dimensions[0] = 7
	require.Equal(t, 2, a.Dimensions[0])

	// WithDType keeps dimensions, changes dtype only.
	h := a.WithDType(dtypes.Float16)
	require.True(t, a.EqualDimensions(h))
	require.Equal(t, dtypes.Float16, h.DType)
	require.False(t, a.Equal(h))
}
