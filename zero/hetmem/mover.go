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
	"sync"

	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/device"
	"github.com/techthiyanes/oslo-1/zero/chunk"
)

// mover is the background shard prefetcher: one goroutine draining a queue
// of host-to-device shard moves. It only ever calls MoveChunk, never a
// collective, so it cannot desynchronize the rank goroutines; an access
// that outruns its prefetch waits for the in-flight move and loses nothing
// but time.
type mover struct {
	chunks *chunk.Manager
	dst    device.Device
	moved  func(bytes int64)

	reqs chan *chunk.Chunk
	done chan struct{}

	mu       sync.Mutex
	inflight map[*chunk.Chunk]chan struct{}
	closed   bool
}

func newMover(chunks *chunk.Manager, dst device.Device, moved func(bytes int64)) *mover {
	v := &mover{
		chunks:   chunks,
		dst:      dst,
		moved:    moved,
		reqs:     make(chan *chunk.Chunk, 32),
		done:     make(chan struct{}),
		inflight: make(map[*chunk.Chunk]chan struct{}),
	}
	go v.run()
	return v
}

// enqueue queues a shard move for c unless one is already pending. A full
// queue drops the request; prefetch is best effort.
func (v *mover) enqueue(c *chunk.Chunk) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if _, ok := v.inflight[c]; ok {
		return
	}
	select {
	case v.reqs <- c:
		v.inflight[c] = make(chan struct{})
	default:
	}
}

// wait blocks until no move is in flight for c.
func (v *mover) wait(c *chunk.Chunk) {
	v.mu.Lock()
	ch, ok := v.inflight[c]
	v.mu.Unlock()
	if ok {
		<-ch
	}
}

func (v *mover) run() {
	defer close(v.done)
	for c := range v.reqs {
		bytes, err := v.chunks.MoveChunk(c, v.dst, false)
		if err != nil {
			klog.Warningf("hetmem: prefetch move of %s failed: %v", c, err)
		} else if bytes > 0 && v.moved != nil {
			v.moved(bytes)
		}
		v.mu.Lock()
		ch := v.inflight[c]
		delete(v.inflight, c)
		v.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	}
}

// close stops accepting requests, finishes the queued moves and waits for
// the worker to exit.
func (v *mover) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()
	close(v.reqs)
	<-v.done
}
