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
	"github.com/pkg/errors"

	"github.com/techthiyanes/oslo-1/internal/floats"
)

// Scratch buffers for the state-dictionary bridge. Saving and loading read
// and write full tensor values one chunk at a time without disturbing the
// chunk's residency, gathering or member states; these helpers provide the
// full-size buffer that makes the member regions addressable meanwhile.

// GatherToTemp snapshots the chunk's full logical content into a fresh
// buffer. For a sharded chunk this is an all-gather, so every rank of the
// group must call it; a gathered chunk is copied locally. Chunk state is
// untouched either way.
func (c *Chunk) GatherToTemp() (any, error) {
	if c.staging != nil {
		return nil, errors.Errorf("chunk #%d is still open, cannot snapshot", c.id)
	}
	temp := floats.Alloc(c.dtype, c.capacity)
	if c.gathered {
		floats.Copy(temp, c.full)
		return temp, nil
	}
	if err := c.group.AllGather(c.shard, temp); err != nil {
		return nil, errors.WithMessagef(err, "snapshotting chunk #%d", c.id)
	}
	return temp, nil
}

// TempFromLocal builds a full-size scratch buffer from local data only, no
// collective: the gathered payload when resident, otherwise this rank's
// shard placed at its window and the rest zeroed. Loading writes
// checkpoint values over it before committing the local window back.
func (c *Chunk) TempFromLocal() (any, error) {
	if c.staging != nil {
		return nil, errors.Errorf("chunk #%d is still open, cannot snapshot", c.id)
	}
	temp := floats.Alloc(c.dtype, c.capacity)
	if c.gathered {
		floats.Copy(temp, c.full)
	} else if c.validEnd > 0 {
		floats.Copy(floats.Slice(temp, c.shardBegin, c.shardEnd), c.shard)
	}
	return temp, nil
}

// CommitTemp copies a scratch buffer back into the live payload: the whole
// buffer when gathered, only this rank's window otherwise.
func (c *Chunk) CommitTemp(temp any) error {
	if c.staging != nil {
		return errors.Errorf("chunk #%d is still open, cannot write back", c.id)
	}
	if floats.DTypeOf(temp) != c.dtype || floats.Len(temp) != c.capacity {
		return errors.Errorf("scratch buffer for chunk #%d is %s[%d], want %s[%d]",
			c.id, floats.DTypeOf(temp), floats.Len(temp), c.dtype, c.capacity)
	}
	if c.gathered {
		floats.Copy(c.full, temp)
	} else {
		floats.Copy(c.shard, floats.Slice(temp, c.shardBegin, c.shardEnd))
	}
	c.shadowValid = false
	return nil
}

// TensorFromTemp slices the member tensor's region out of a scratch
// buffer. The returned slice aliases temp.
func (c *Chunk) TensorFromTemp(p *Parameter, temp any) (any, error) {
	info, ok := c.infos[p.id]
	if !ok {
		return nil, errors.Errorf("%s does not belong to chunk #%d", p, c.id)
	}
	return floats.Slice(temp, info.offset, info.end), nil
}

// WriteTensorToTemp writes data over the member tensor's region of a
// scratch buffer, casting to the chunk's dtype.
func (c *Chunk) WriteTensorToTemp(p *Parameter, temp any, data any) error {
	info, ok := c.infos[p.id]
	if !ok {
		return errors.Errorf("%s does not belong to chunk #%d", p, c.id)
	}
	if floats.Len(data) != info.end-info.offset {
		return errors.Errorf("data for %q has %d elements, want %d",
			p.name, floats.Len(data), info.end-info.offset)
	}
	floats.CastCopy(floats.Slice(temp, info.offset, info.end), data)
	return nil
}
