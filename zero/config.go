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
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/techthiyanes/oslo-1/comm"
	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/internal/floats"
	"github.com/techthiyanes/oslo-1/types/shapes"
	"github.com/techthiyanes/oslo-1/zero/chunk"
	"github.com/techthiyanes/oslo-1/zero/hetmem"
	"github.com/techthiyanes/oslo-1/zero/memtracer"
)

// ParamSpec declares one model tensor before sharding. Frozen tensors stay
// out of the chunk machinery: they are kept whole on the host in compute
// precision and never receive gradients, but still appear in state
// dictionaries.
type ParamSpec struct {
	// Name is the tensor's fully qualified name, the state-dict key. It
	// must be unique within the model.
	Name string

	// Shape is the logical shape in master precision's terms; the dtype
	// field is ignored, precision comes from the builder.
	Shape shapes.Shape

	// Init optionally provides the initial flat value, in any supported
	// float dtype; nil means zeros.
	Init any

	// Frozen excludes the tensor from gradients and sharding.
	Frozen bool
}

// Config accumulates the model configuration. Create it with Configure,
// chain the setters and finish with Done, which builds the Model. Setter
// errors are latched and reported by Done.
type Config struct {
	group comm.Group
	specs []ParamSpec

	err error

	policy      hetmem.Policy
	accelDev    device.Device
	accelBudget int64
	search      chunk.SearchConfig
	pinMemory   bool
	compute     dtypes.DType
	master      dtypes.DType
	l2Norm      bool
	trace       *memtracer.MemStats
}

// Configure starts building a Model for the calling rank's group from the
// declared tensor list. Every rank of the group must build with the same
// specs in the same order; the layout each rank derives locally has to
// agree for the collectives to line up.
//
// Defaults: placement PolicyCPU with no fast-tier budget, accelerator
// device 0, compute Float16, master Float32, host shards not pinned.
func Configure(group comm.Group, specs []ParamSpec) *Config {
	return &Config{
		group:    group,
		specs:    specs,
		policy:   hetmem.PolicyCPU,
		accelDev: device.Accel(0),
		compute:  dtypes.Float16,
		master:   dtypes.Float32,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// PlacementPolicy selects where shards rest between uses (see
// hetmem.Policy). PolicyAuto requires an AccelBudget.
func (c *Config) PlacementPolicy(p hetmem.Policy) *Config {
	c.policy = p
	return c
}

// AccelDevice selects the fast-tier device chunks gather on.
func (c *Config) AccelDevice(dev device.Device) *Config {
	if !dev.IsAccel() {
		c.setError(errors.Errorf("AccelDevice(%s): the fast tier must be an accelerator", dev))
		return c
	}
	c.accelDev = dev
	return c
}

// AccelBudget caps fast-tier bytes under PolicyAuto. Zero means uncapped.
func (c *Config) AccelBudget(bytes int64) *Config {
	if bytes < 0 {
		c.setError(errors.Errorf("AccelBudget(%d): budget cannot be negative", bytes))
		return c
	}
	c.accelBudget = bytes
	return c
}

// MinChunkSize sets the smallest chunk capacity, in elements, the size
// search considers.
func (c *Config) MinChunkSize(elements int) *Config {
	c.search.MinChunkSize = elements
	return c
}

// SearchRange sets how far above the floor, in elements, the size search
// tries candidates.
func (c *Config) SearchRange(elements int) *Config {
	c.search.SearchRange = elements
	return c
}

// SearchInterval sets the step, in elements, between candidate sizes.
func (c *Config) SearchInterval(elements int) *Config {
	c.search.SearchInterval = elements
	return c
}

// FilterExtreme drops outlier tensors from the size-search simulation.
func (c *Config) FilterExtreme(on bool) *Config {
	c.search.FilterExtreme = on
	return c
}

// PinMemory keeps pinned host copies of shards, making repeated
// device-to-host eviction of unchanged data free.
func (c *Config) PinMemory(on bool) *Config {
	c.pinMemory = on
	return c
}

// ComputeDType sets the precision engine ops read and gradients arrive in.
func (c *Config) ComputeDType(d dtypes.DType) *Config {
	if !floats.IsSupported(d) {
		c.setError(errors.Errorf("ComputeDType(%s): unsupported dtype", d))
		return c
	}
	c.compute = d
	return c
}

// MasterDType sets the precision the authoritative weights are kept in.
func (c *Config) MasterDType(d dtypes.DType) *Config {
	if !floats.IsSupported(d) {
		c.setError(errors.Errorf("MasterDType(%s): unsupported dtype", d))
		return c
	}
	c.master = d
	return c
}

// L2NormMonitor has every reduction record its squared gradient L2 norm,
// summed per step and readable with Model.GradL2NormSquared.
func (c *Config) L2NormMonitor(on bool) *Config {
	c.l2Norm = on
	return c
}

// Trace supplies a visitation trace recorded by an earlier run of the same
// model (Model.TraceStats after at least one step). It fixes the packing
// order to the traced access order and, under PolicyAuto, skips the
// warm-up iteration.
func (c *Config) Trace(ms *memtracer.MemStats) *Config {
	c.trace = ms
	return c
}

// Done validates the configuration and builds the Model: runs the
// chunk-size search over the declared tensors, registers and packs the
// compute and master copies, closes and pairs the chunks, and stands up
// the placement manager.
func (c *Config) Done() (*Model, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.group == nil {
		return nil, errors.New("Configure: nil worker group")
	}
	if len(c.specs) == 0 {
		return nil, errors.New("Configure: no tensors declared")
	}
	if c.policy == hetmem.PolicyAuto && c.accelBudget <= 0 {
		return nil, errors.New("PlacementPolicy(auto) requires an AccelBudget")
	}
	seen := make(map[string]struct{}, len(c.specs))
	for _, spec := range c.specs {
		if spec.Name == "" {
			return nil, errors.New("Configure: tensor with empty name")
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, errors.Errorf("Configure: duplicate tensor name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
		if spec.Shape.Size() < 1 {
			return nil, errors.Errorf("Configure: tensor %q has empty shape %s", spec.Name, spec.Shape)
		}
		if spec.Init != nil {
			if !floats.IsSupported(floats.DTypeOf(spec.Init)) {
				return nil, errors.Errorf("Configure: tensor %q init has unsupported dtype", spec.Name)
			}
			if floats.Len(spec.Init) != spec.Shape.Size() {
				return nil, errors.Errorf("Configure: tensor %q init has %d elements, shape %s wants %d",
					spec.Name, floats.Len(spec.Init), spec.Shape, spec.Shape.Size())
			}
		}
	}
	return newModel(c)
}
