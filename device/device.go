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

// Package device names the two memory tiers chunk payloads live on: the
// fast, capacity-limited accelerator tier and the larger host (CPU) tier.
//
// The package carries no allocator. Payloads are ordinary Go slices; what
// matters to the placement layer is which tier a payload is accounted
// against, which Device records, and how many bytes sit on each tier, which
// Usage tallies.
package device

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Kind selects a memory tier.
type Kind uint8

const (
	// KindCPU is host memory: large, slow to reach from the accelerator.
	KindCPU Kind = iota

	// KindAccel is the fast device tier: limited capacity, where compute
	// reads and writes happen.
	KindAccel
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindAccel:
		return "accel"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Device identifies one memory tier instance. Index distinguishes multiple
// accelerators on one host; it is always 0 for the CPU tier.
type Device struct {
	Kind  Kind
	Index int
}

// CPU is the host-memory tier.
var CPU = Device{Kind: KindCPU}

// Accel returns the accelerator tier with the given index.
func Accel(index int) Device {
	return Device{Kind: KindAccel, Index: index}
}

// IsCPU reports whether d is the host tier.
func (d Device) IsCPU() bool { return d.Kind == KindCPU }

// IsAccel reports whether d is the fast tier.
func (d Device) IsAccel() bool { return d.Kind == KindAccel }

// String implements fmt.Stringer, e.g. "cpu" or "accel:0".
func (d Device) String() string {
	if d.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Usage tallies resident payload bytes per tier. The zero value is empty.
type Usage struct {
	CPUBytes   int64
	AccelBytes int64
}

// UsageOn returns a Usage with the given byte count on device d's tier.
func UsageOn(d Device, bytes int64) Usage {
	if d.Kind == KindAccel {
		return Usage{AccelBytes: bytes}
	}
	return Usage{CPUBytes: bytes}
}

// On returns the byte count accounted against kind.
func (u Usage) On(kind Kind) int64 {
	if kind == KindAccel {
		return u.AccelBytes
	}
	return u.CPUBytes
}

// Plus returns the element-wise sum of the two tallies.
func (u Usage) Plus(other Usage) Usage {
	return Usage{
		CPUBytes:   u.CPUBytes + other.CPUBytes,
		AccelBytes: u.AccelBytes + other.AccelBytes,
	}
}

// Minus returns the element-wise difference of the two tallies.
func (u Usage) Minus(other Usage) Usage {
	return Usage{
		CPUBytes:   u.CPUBytes - other.CPUBytes,
		AccelBytes: u.AccelBytes - other.AccelBytes,
	}
}

// Total is the byte count across both tiers.
func (u Usage) Total() int64 { return u.CPUBytes + u.AccelBytes }

// String implements fmt.Stringer with humanized byte sizes.
func (u Usage) String() string {
	return fmt.Sprintf("cpu=%s accel=%s",
		humanize.IBytes(uint64(max(u.CPUBytes, 0))),
		humanize.IBytes(uint64(max(u.AccelBytes, 0))))
}
