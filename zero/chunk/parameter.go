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
	"fmt"
	"sync/atomic"

	"github.com/techthiyanes/oslo-1/types/shapes"
)

// ParamID is the stable handle of a registered tensor. IDs are allocated
// from a process-wide counter and never reused, so they can key maps that
// outlive any particular pointer and cross API boundaries unambiguously.
type ParamID int64

var nextParamID atomic.Int64

// Parameter is one logical tensor managed by the sharding layer: a
// parameter of the model, or its master-precision copy. Its flat data lives
// inside the owning chunk at the slice assigned during registration; a
// Parameter carries only identity and static metadata.
type Parameter struct {
	id           ParamID
	name         string
	shape        shapes.Shape
	requiresGrad bool

	owner *Chunk // set by Chunk.Append
}

// NewParameter creates a tensor record with a fresh ParamID. The name is
// the fully-qualified name used by the state-dictionary bridge; requiresGrad
// tells the access hook whether a gradient is expected in the backward pass.
func NewParameter(name string, shape shapes.Shape, requiresGrad bool) *Parameter {
	return &Parameter{
		id:           ParamID(nextParamID.Add(1)),
		name:         name,
		shape:        shape,
		requiresGrad: requiresGrad,
	}
}

// ID returns the stable handle.
func (p *Parameter) ID() ParamID { return p.id }

// Name returns the fully-qualified tensor name.
func (p *Parameter) Name() string { return p.name }

// Shape returns the tensor shape.
func (p *Parameter) Shape() shapes.Shape { return p.shape }

// Size is the number of elements.
func (p *Parameter) Size() int { return p.shape.Size() }

// RequiresGrad reports whether the backward pass produces a gradient for
// this tensor.
func (p *Parameter) RequiresGrad() bool { return p.requiresGrad }

// Chunk returns the owning chunk, nil before registration.
func (p *Parameter) Chunk() *Chunk { return p.owner }

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter#%d(%q, %s)", p.id, p.name, p.shape)
}
