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
	"strings"

	"github.com/pkg/errors"
)

// Policy selects where shards rest between uses.
type Policy int

const (
	// PolicyCPU parks every shard on the host; the fast tier only holds
	// the gathered working set.
	PolicyCPU Policy = iota

	// PolicyAccel keeps everything on the fast tier and never evicts.
	// The whole model must fit.
	PolicyAccel

	// PolicyAuto keeps shards on the fast tier while the budget allows
	// and evicts the least-soon-needed ones when it does not, using the
	// warm-up trace.
	PolicyAuto
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case PolicyCPU:
		return "cpu"
	case PolicyAccel:
		return "accel"
	case PolicyAuto:
		return "auto"
	}
	return "invalid"
}

// ParsePolicy converts a configuration string to a Policy. "cuda" is
// accepted as an alias for "accel".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return PolicyCPU, nil
	case "accel", "cuda":
		return PolicyAccel, nil
	case "auto":
		return PolicyAuto, nil
	}
	return 0, errors.Errorf("unknown placement policy %q, want cpu, accel or auto", s)
}
