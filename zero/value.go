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

package zero

import (
	"sort"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/techthiyanes/oslo-1/internal/floats"
	"github.com/techthiyanes/oslo-1/types/shapes"
)

// Value is one tensor's payload on the host: its shape plus the flat
// backing slice, row-major. The dtype is the shape's. Flat may be nil for
// a placeholder that only announces a shape, which is what the gradient
// hook hands back after it consumes a gradient.
type Value struct {
	Shape shapes.Shape
	Flat  any
}

// NewValue allocates a zero-filled Value of the given shape.
func NewValue(shape shapes.Shape) *Value {
	return &Value{Shape: shape, Flat: floats.Alloc(shape.DType, shape.Size())}
}

// ValueOf wraps an existing flat slice. The slice length and dtype must
// match the shape.
func ValueOf(shape shapes.Shape, flat any) *Value {
	if floats.DTypeOf(flat) != shape.DType || floats.Len(flat) != shape.Size() {
		exceptions.Panicf("zero.ValueOf: flat is %s[%d], shape wants %s", floats.DTypeOf(flat), floats.Len(flat), shape)
	}
	return &Value{Shape: shape, Flat: flat}
}

// DType returns the element type.
func (v *Value) DType() dtypes.DType { return v.Shape.DType }

// Size returns the number of elements.
func (v *Value) Size() int { return v.Shape.Size() }

// IsPlaceholder reports whether the Value carries a shape but no data.
func (v *Value) IsPlaceholder() bool { return v.Flat == nil }

// Clone returns a deep copy. Placeholders clone to placeholders.
func (v *Value) Clone() *Value {
	out := &Value{Shape: v.Shape}
	if v.Flat != nil {
		out.Flat = floats.Alloc(v.Shape.DType, v.Shape.Size())
		floats.Copy(out.Flat, v.Flat)
	}
	return out
}

// CastTo returns a copy of v converted to dtype. A cast to the value's own
// dtype still copies.
func (v *Value) CastTo(dtype dtypes.DType) *Value {
	if v.Flat == nil {
		exceptions.Panicf("zero.Value.CastTo: cannot cast a placeholder (shape %s)", v.Shape)
	}
	out := NewValue(v.Shape.WithDType(dtype))
	floats.CastCopy(out.Flat, v.Flat)
	return out
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	if v.Flat == nil {
		return v.Shape.String() + " (placeholder)"
	}
	return v.Shape.String()
}

// nestedKind tags which of the Nested variants is live.
type nestedKind uint8

const (
	invalidNested nestedKind = iota
	leafNested
	seqNested
	keyedNested
)

func (k nestedKind) String() string {
	switch k {
	case leafNested:
		return "leaf"
	case seqNested:
		return "sequence"
	case keyedNested:
		return "map"
	}
	return "invalid"
}

// Nested is a recursive container of Values: a single leaf, a sequence of
// Nested or a string-keyed map of Nested, nested to any depth. It mirrors
// the argument structures model code passes around so inputs can be
// retyped wholesale. A Nested is exactly one of the variants; accessing
// the wrong one panics.
type Nested struct {
	kind  nestedKind
	leaf  *Value
	seq   []*Nested
	keyed map[string]*Nested
}

// Leaf creates a Nested holding the single value v.
func Leaf(v *Value) *Nested {
	return &Nested{kind: leafNested, leaf: v}
}

// Seq creates a Nested holding the given items, in order. The slice is
// not copied.
func Seq(items ...*Nested) *Nested {
	return &Nested{kind: seqNested, seq: items}
}

// Keyed creates a Nested holding the given map. The map is not copied.
func Keyed(items map[string]*Nested) *Nested {
	return &Nested{kind: keyedNested, keyed: items}
}

// IsLeaf returns whether the Nested holds a single value.
func (n *Nested) IsLeaf() bool { return n.kind == leafNested }

// IsSeq returns whether the Nested holds a sequence.
func (n *Nested) IsSeq() bool { return n.kind == seqNested }

// IsKeyed returns whether the Nested holds a map.
func (n *Nested) IsKeyed() bool { return n.kind == keyedNested }

// Leaf returns the contained value. It panics if the Nested is not a leaf.
func (n *Nested) Leaf() *Value {
	if n.kind != leafNested {
		exceptions.Panicf("zero.Nested.Leaf() called on a %s container", n.kind)
	}
	return n.leaf
}

// Seq returns the contained sequence. It panics if the Nested is not one.
func (n *Nested) Seq() []*Nested {
	if n.kind != seqNested {
		exceptions.Panicf("zero.Nested.Seq() called on a %s container", n.kind)
	}
	return n.seq
}

// Keyed returns the contained map. It panics if the Nested is not one.
func (n *Nested) Keyed() map[string]*Nested {
	if n.kind != keyedNested {
		exceptions.Panicf("zero.Nested.Keyed() called on a %s container", n.kind)
	}
	return n.keyed
}

// Enumerate visits every leaf depth-first and calls fn with a path built
// from sequence indices and map keys joined by "/". Map keys are visited
// in sorted order, so enumeration order is deterministic.
func (n *Nested) Enumerate(fn func(path string, v *Value)) {
	n.enumerate("", fn)
}

func (n *Nested) enumerate(path string, fn func(path string, v *Value)) {
	switch n.kind {
	case leafNested:
		fn(path, n.leaf)
	case seqNested:
		for i, item := range n.seq {
			item.enumerate(joinPath(path, strconv.Itoa(i)), fn)
		}
	case keyedNested:
		keys := make([]string, 0, len(n.keyed))
		for key := range n.keyed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			n.keyed[key].enumerate(joinPath(path, key), fn)
		}
	default:
		exceptions.Panicf("zero.Nested.Enumerate() called on an invalid container")
	}
}

func joinPath(prefix, element string) string {
	if prefix == "" {
		return element
	}
	return prefix + "/" + element
}

// Leaves collects every leaf value in enumeration order.
func (n *Nested) Leaves() []*Value {
	var out []*Value
	n.Enumerate(func(_ string, v *Value) { out = append(out, v) })
	return out
}

// NumLeaves counts the leaves.
func (n *Nested) NumLeaves() int {
	count := 0
	n.Enumerate(func(string, *Value) { count++ })
	return count
}

// CastFloats returns a structural copy of n with every float leaf
// converted to dtype. Non-float leaves (integer, boolean) and
// placeholders are carried over untouched, sharing the original Value.
func (n *Nested) CastFloats(dtype dtypes.DType) *Nested {
	switch n.kind {
	case leafNested:
		v := n.leaf
		if v == nil || v.IsPlaceholder() || !v.DType().IsFloat() || v.DType() == dtype {
			return Leaf(v)
		}
		return Leaf(v.CastTo(dtype))
	case seqNested:
		out := make([]*Nested, len(n.seq))
		for i, item := range n.seq {
			out[i] = item.CastFloats(dtype)
		}
		return Seq(out...)
	case keyedNested:
		out := make(map[string]*Nested, len(n.keyed))
		for key, item := range n.keyed {
			out[key] = item.CastFloats(dtype)
		}
		return Keyed(out)
	}
	exceptions.Panicf("zero.Nested.CastFloats() called on an invalid container")
	return nil
}
