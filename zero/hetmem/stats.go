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

package hetmem

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of the manager's cumulative placement counters: where
// layout work spends its time, and what actually crossed the host/device
// boundary. Observability only; no decision reads these.
type Stats struct {
	// DemandTime is the time spent computing the fast-tier demand of
	// upcoming accesses.
	DemandTime time.Duration

	// LayoutTime is the total time spent in AdjustLayout, eviction included.
	LayoutTime time.Duration

	// EvictTime is the time spent selecting and moving eviction victims.
	EvictTime time.Duration

	// H2DBytes and D2HBytes are the byte volumes physically copied host to
	// device and device to host: shard staging, prefetch, eviction, and
	// gradient migration.
	H2DBytes int64
	D2HBytes int64
}

// String implements fmt.Stringer with humanized byte volumes.
func (s Stats) String() string {
	return fmt.Sprintf("demand=%s layout=%s evict=%s h2d=%s d2h=%s",
		s.DemandTime.Round(time.Microsecond),
		s.LayoutTime.Round(time.Microsecond),
		s.EvictTime.Round(time.Microsecond),
		humanize.IBytes(uint64(max(s.H2DBytes, 0))),
		humanize.IBytes(uint64(max(s.D2HBytes, 0))))
}
