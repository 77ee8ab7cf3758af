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

// Package shapes defines Shape, the static description of a parameter or
// gradient tensor: a data type (DType) plus the dimensions of its axes.
//
// Shapes are cheap value types used throughout the module to describe the
// tensors packed into chunks and the values exchanged through the
// state-dictionary bridge. The flat element data itself lives inside chunk
// buffers and is not part of a Shape.
//
// The DType vocabulary comes from github.com/gomlx/gopjrt/dtypes, with
// float16 provided by github.com/x448/float16 and bfloat16 by
// github.com/gomlx/gopjrt/dtypes/bfloat16.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape describes a tensor: its data type and the dimensions of its axes.
// A scalar has zero dimensions.
//
// Shape is meant to be used as a value: Clone it before mutating Dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions. Dimensions must
// all be positive, otherwise it panics.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(dimensions))}
	for i, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s, %v): dimension #%d is %d, it must be positive", dtype, dimensions, i, dim)
		}
		s.Dimensions[i] = dim
	}
	return s
}

// Scalar returns a zero-rank Shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns the zero Shape, for which Ok returns false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok reports whether the Shape has a valid dtype.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank is the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar reports whether the Shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Size is the number of elements: the product of all dimensions, 1 for
// scalars.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes needed to store the flat data.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Clone makes a deep copy (Dimensions included).
func (s Shape) Clone() Shape {
	s2 := Shape{DType: s.DType, Dimensions: make([]int, len(s.Dimensions))}
	copy(s2.Dimensions, s.Dimensions)
	return s2
}

// Equal reports whether both dtype and dimensions match.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && s.EqualDimensions(other)
}

// EqualDimensions reports whether dimensions match, ignoring dtype.
func (s Shape) EqualDimensions(other Shape) bool {
	if len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for i, dim := range s.Dimensions {
		if dim != other.Dimensions[i] {
			return false
		}
	}
	return true
}

// WithDType returns a copy of the Shape with the dtype replaced. Dimensions
// are shared with the original.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, Dimensions: s.Dimensions}
}

// String implements fmt.Stringer, e.g. "(Float32)[4 6]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)[", s.DType)
	for i, dim := range s.Dimensions {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	b.WriteByte(']')
	return b.String()
}
