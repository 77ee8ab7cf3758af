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

// Package floats implements flat-slice arithmetic for the floating point
// dtypes chunk payloads are made of: Float16 (github.com/x448/float16),
// BFloat16 (gopjrt), Float32 and Float64.
//
// Payloads travel through the module as `flat any` values holding one of the
// four slice types, the same convention the rest of the module uses for
// buffers. All functions here panic on a dtype outside that set or on
// mismatched operand lengths: callers are expected to have validated both.
//
// Narrow dtypes round on every store, so accumulation matches what a
// hardware collective in the same precision would produce.
package floats

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// IsSupported reports whether dtype has a flat-slice representation here.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// Alloc returns a zeroed flat slice of n elements of the given dtype.
func Alloc(dtype dtypes.DType, n int) any {
	switch dtype {
	case dtypes.Float16:
		return make([]float16.Float16, n)
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, n)
	case dtypes.Float32:
		return make([]float32, n)
	case dtypes.Float64:
		return make([]float64, n)
	}
	exceptions.Panicf("floats.Alloc: dtype %s not supported", dtype)
	return nil
}

// Len returns the number of elements in a flat slice.
func Len(flat any) int {
	switch f := flat.(type) {
	case []float16.Float16:
		return len(f)
	case []bfloat16.BFloat16:
		return len(f)
	case []float32:
		return len(f)
	case []float64:
		return len(f)
	}
	exceptions.Panicf("floats.Len: flat is %T, not a supported flat slice", flat)
	return 0
}

// DTypeOf returns the dtype of a flat slice.
func DTypeOf(flat any) dtypes.DType {
	switch flat.(type) {
	case []float16.Float16:
		return dtypes.Float16
	case []bfloat16.BFloat16:
		return dtypes.BFloat16
	case []float32:
		return dtypes.Float32
	case []float64:
		return dtypes.Float64
	}
	exceptions.Panicf("floats.DTypeOf: flat is %T, not a supported flat slice", flat)
	return dtypes.InvalidDType
}

// Slice returns the sub-slice flat[from:to]. The result shares storage with
// flat, so writes are visible through both.
func Slice(flat any, from, to int) any {
	switch f := flat.(type) {
	case []float16.Float16:
		return f[from:to]
	case []bfloat16.BFloat16:
		return f[from:to]
	case []float32:
		return f[from:to]
	case []float64:
		return f[from:to]
	}
	exceptions.Panicf("floats.Slice: flat is %T, not a supported flat slice", flat)
	return nil
}

// Copy copies src into dst. Both must have the same dtype and length.
func Copy(dst, src any) {
	assertSameLen("Copy", dst, src)
	switch d := dst.(type) {
	case []float16.Float16:
		copy(d, src.([]float16.Float16))
	case []bfloat16.BFloat16:
		copy(d, src.([]bfloat16.BFloat16))
	case []float32:
		copy(d, src.([]float32))
	case []float64:
		copy(d, src.([]float64))
	default:
		exceptions.Panicf("floats.Copy: dst is %T, not a supported flat slice", dst)
	}
}

// CastCopy copies src into dst converting element by element, so the two may
// have different dtypes. Lengths must match. Same-dtype calls degenerate to
// a plain copy.
func CastCopy(dst, src any) {
	if DTypeOf(dst) == DTypeOf(src) {
		Copy(dst, src)
		return
	}
	assertSameLen("CastCopy", dst, src)
	n := Len(src)
	for i := 0; i < n; i++ {
		storeAt(dst, i, loadAt(src, i))
	}
}

// AddTo accumulates src into dst elementwise: dst[i] += src[i]. Both must
// have the same dtype and length.
func AddTo(dst, src any) {
	assertSameLen("AddTo", dst, src)
	switch d := dst.(type) {
	case []float16.Float16:
		s := src.([]float16.Float16)
		for i, v := range s {
			d[i] = float16.Fromfloat32(d[i].Float32() + v.Float32())
		}
	case []bfloat16.BFloat16:
		s := src.([]bfloat16.BFloat16)
		for i, v := range s {
			d[i] = bfloat16.FromFloat32(d[i].Float32() + v.Float32())
		}
	case []float32:
		s := src.([]float32)
		for i, v := range s {
			d[i] += v
		}
	case []float64:
		s := src.([]float64)
		for i, v := range s {
			d[i] += v
		}
	default:
		exceptions.Panicf("floats.AddTo: dst is %T, not a supported flat slice", dst)
	}
}

// Scale multiplies every element of flat by factor, in place.
func Scale(flat any, factor float64) {
	switch f := flat.(type) {
	case []float16.Float16:
		f32 := float32(factor)
		for i := range f {
			f[i] = float16.Fromfloat32(f[i].Float32() * f32)
		}
	case []bfloat16.BFloat16:
		f32 := float32(factor)
		for i := range f {
			f[i] = bfloat16.FromFloat32(f[i].Float32() * f32)
		}
	case []float32:
		f32 := float32(factor)
		for i := range f {
			f[i] *= f32
		}
	case []float64:
		for i := range f {
			f[i] *= factor
		}
	default:
		exceptions.Panicf("floats.Scale: flat is %T, not a supported flat slice", flat)
	}
}

// Zero clears flat in place.
func Zero(flat any) {
	switch f := flat.(type) {
	case []float16.Float16:
		clear(f)
	case []bfloat16.BFloat16:
		clear(f)
	case []float32:
		clear(f)
	case []float64:
		clear(f)
	default:
		exceptions.Panicf("floats.Zero: flat is %T, not a supported flat slice", flat)
	}
}

// Fill sets every element of flat to value (rounded to flat's dtype).
func Fill(flat any, value float64) {
	n := Len(flat)
	for i := 0; i < n; i++ {
		storeAt(flat, i, value)
	}
}

// HasNonFinite reports whether any element is NaN or ±Inf. Float16 and
// BFloat16 are widened before the check.
func HasNonFinite(flat any) bool {
	n := Len(flat)
	for i := 0; i < n; i++ {
		v := loadAt(flat, i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// SumSquares returns the sum of squared elements, accumulated in float64.
func SumSquares(flat any) float64 {
	var acc float64
	n := Len(flat)
	for i := 0; i < n; i++ {
		v := loadAt(flat, i)
		acc += v * v
	}
	return acc
}

// Float64s returns a fresh []float64 copy of flat, widening as needed.
func Float64s(flat any) []float64 {
	n := Len(flat)
	out := make([]float64, n)
	for i := range out {
		out[i] = loadAt(flat, i)
	}
	return out
}

// FillFromFloat64s writes values into flat, narrowing as needed. Lengths
// must match.
func FillFromFloat64s(flat any, values []float64) {
	if Len(flat) != len(values) {
		exceptions.Panicf("floats.FillFromFloat64s: flat has %d elements, values has %d", Len(flat), len(values))
	}
	for i, v := range values {
		storeAt(flat, i, v)
	}
}

func loadAt(flat any, i int) float64 {
	switch f := flat.(type) {
	case []float16.Float16:
		return float64(f[i].Float32())
	case []bfloat16.BFloat16:
		return float64(f[i].Float32())
	case []float32:
		return float64(f[i])
	case []float64:
		return f[i]
	}
	exceptions.Panicf("floats.loadAt: flat is %T, not a supported flat slice", flat)
	return 0
}

func storeAt(flat any, i int, v float64) {
	switch f := flat.(type) {
	case []float16.Float16:
		f[i] = float16.Fromfloat32(float32(v))
	case []bfloat16.BFloat16:
		f[i] = bfloat16.FromFloat32(float32(v))
	case []float32:
		f[i] = float32(v)
	case []float64:
		f[i] = v
	default:
		exceptions.Panicf("floats.storeAt: flat is %T, not a supported flat slice", flat)
	}
}

func assertSameLen(op string, a, b any) {
	if Len(a) != Len(b) {
		exceptions.Panicf("floats.%s: operands have different lengths (%d vs %d)", op, Len(a), Len(b))
	}
}
