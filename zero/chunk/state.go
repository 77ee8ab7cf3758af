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

import "fmt"

// TensorState tracks a registered tensor through one training step. The
// access hook and the reduction protocol are the only drivers; every change
// goes through Manager.TransitionTensor, which rejects transitions outside
// the table below.
type TensorState uint8

const (
	// StateFree marks a tensor whose slice currently holds no live value.
	StateFree TensorState = iota

	// StateHold is the rest state: the value is live but no engine op is
	// touching it. Tensors enter StateHold when appended and return to it
	// after each reduction.
	StateHold

	// StateHoldAfterBackward marks a tensor the backward pass finished
	// computing with, now waiting for its gradient to arrive.
	StateHoldAfterBackward

	// StateReadyForReduce marks a tensor whose gradient has landed in the
	// chunk; the chunk reduces once all members are in this state.
	StateReadyForReduce

	// StateCompute marks a tensor an engine op is actively reading.
	StateCompute

	numTensorStates = 5
)

// String implements fmt.Stringer.
func (s TensorState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateHold:
		return "HOLD"
	case StateHoldAfterBackward:
		return "HOLD_AFTER_BACKWARD"
	case StateReadyForReduce:
		return "READY_FOR_REDUCE"
	case StateCompute:
		return "COMPUTE"
	}
	return fmt.Sprintf("TensorState(%d)", uint8(s))
}

// legalTransitions holds the allowed (from, to) pairs. Reduction itself
// moves READY_FOR_REDUCE tensors back to HOLD as a batch, inside
// Chunk.Reduce.
var legalTransitions = [numTensorStates][numTensorStates]bool{
	StateFree:              {StateHold: true, StateCompute: true},
	StateHold:              {StateFree: true, StateCompute: true},
	StateCompute:           {StateHold: true, StateHoldAfterBackward: true, StateReadyForReduce: true},
	StateHoldAfterBackward: {StateCompute: true, StateReadyForReduce: true},
	StateReadyForReduce:    {StateHold: true},
}

// canTransition reports whether the change from one state to the other is
// legal.
func canTransition(from, to TensorState) bool {
	if from >= numTensorStates || to >= numTensorStates {
		return false
	}
	return legalTransitions[from][to]
}
