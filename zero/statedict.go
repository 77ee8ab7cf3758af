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
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/techthiyanes/oslo-1/internal/floats"
	"github.com/techthiyanes/oslo-1/types/shapes"
)

// FormatVersion is written into every state dictionary this package
// produces. Loaders refuse dictionaries from a newer format.
const FormatVersion = 1

// Metadata records the configuration a state dictionary was saved under.
// None of it constrains loading: the dictionary holds full tensors, so a
// model sharded over a different group size, or running other precisions,
// loads it all the same.
type Metadata struct {
	FormatVersion int
	WorldSize     int
	ComputeDType  dtypes.DType
	MasterDType   dtypes.DType
}

// StateDict is a flat snapshot of the model: every tensor's full
// master-precision value keyed by its name, frozen tensors included.
type StateDict struct {
	Meta   Metadata
	Values map[string]*Value
}

// Keys returns the tensor names in sorted order.
func (sd *StateDict) Keys() []string {
	return sortedKeys(sd.Values)
}

// LoadResult lists the keys LoadStateDict could not match under strict
// mode. Both lists are empty on a clean load.
type LoadResult struct {
	MissingKeys    []string
	UnexpectedKeys []string
}

// StateDict snapshots the model into full host tensors, gathering one
// master chunk at a time so peak extra memory stays at a single chunk.
// Every rank of the group must call it together (the gathers are
// collectives). With onlyRank0, ranks other than 0 participate in the
// gathers but return a nil dictionary; without it, every rank gets its
// own copy. The live chunks are left exactly as found.
func (m *Model) StateDict(onlyRank0 bool) (*StateDict, error) {
	record := !onlyRank0 || m.group.Rank() == 0
	var values map[string]*Value
	if record {
		values = make(map[string]*Value, len(m.params)+len(m.frozen))
	}
	for _, mc := range m.masterChunks() {
		temp, err := mc.GatherToTemp()
		if err != nil {
			return nil, errors.WithMessagef(err, "gathering chunk #%d for the state dict", mc.ID())
		}
		if !record {
			continue
		}
		for _, mp := range mc.Tensors() {
			flat, err := mc.TensorFromTemp(mp, temp)
			if err != nil {
				return nil, err
			}
			v := NewValue(mp.Shape())
			floats.Copy(v.Flat, flat)
			values[mp.Name()] = v
		}
	}
	if !record {
		return nil, nil
	}
	for name, v := range m.frozen {
		values[name] = v.Clone()
	}
	return &StateDict{
		Meta: Metadata{
			FormatVersion: FormatVersion,
			WorldSize:     m.group.Size(),
			ComputeDType:  m.computeDType,
			MasterDType:   m.masterDType,
		},
		Values: values,
	}, nil
}

// LoadStateDict copies sd's tensors into the model. It is rank-local: each
// rank keeps only its own shard window, so no collective runs and every
// rank may load independently. Shapes are validated entry by entry and
// every mismatch is collected before failing, leaving matching entries
// loaded. Under strict mode, keys missing from sd and keys sd has that the
// model does not are aggregated into the same consolidated error. After
// loading, each affected compute chunk is refreshed from its master pair.
func (m *Model) LoadStateDict(sd *StateDict, strict bool) (LoadResult, error) {
	var result LoadResult
	if sd == nil {
		return result, errors.New("LoadStateDict: nil state dict")
	}
	if sd.Meta.FormatVersion > FormatVersion {
		return result, errors.Errorf("LoadStateDict: dictionary format v%d is newer than supported v%d",
			sd.Meta.FormatVersion, FormatVersion)
	}

	var errorMsgs []string
	consumed := make(map[string]struct{}, len(sd.Values))
	load := func(name string, want shapes.Shape, write func(v *Value) error) {
		v, ok := sd.Values[name]
		if !ok {
			if strict {
				result.MissingKeys = append(result.MissingKeys, name)
			}
			return
		}
		consumed[name] = struct{}{}
		if v == nil || v.IsPlaceholder() {
			errorMsgs = append(errorMsgs, fmt.Sprintf("entry for %s carries no data.", name))
			return
		}
		if !v.Shape.EqualDimensions(want) {
			errorMsgs = append(errorMsgs, fmt.Sprintf(
				"size mismatch for %s: copying a param with shape %s from checkpoint, "+
					"the shape in current model is %s.", name, v.Shape, want))
			return
		}
		if err := write(v); err != nil {
			errorMsgs = append(errorMsgs, fmt.Sprintf("while copying the parameter named %q: %v.", name, err))
		}
	}

	for _, name := range m.frozenOrder {
		fv := m.frozen[name]
		load(name, fv.Shape, func(v *Value) error {
			floats.CastCopy(fv.Flat, v.Flat)
			return nil
		})
	}

	for _, mc := range m.masterChunks() {
		temp, err := mc.TempFromLocal()
		if err != nil {
			return result, err
		}
		for _, mp := range mc.Tensors() {
			load(mp.Name(), mp.Shape(), func(v *Value) error {
				return mc.WriteTensorToTemp(mp, temp, v.Flat)
			})
		}
		if err := mc.CommitTemp(temp); err != nil {
			return result, err
		}
		if err := mc.OptimUpdate(); err != nil {
			return result, err
		}
	}

	if strict {
		for _, key := range sortedKeys(sd.Values) {
			if _, ok := consumed[key]; !ok {
				result.UnexpectedKeys = append(result.UnexpectedKeys, key)
			}
		}
		if len(result.UnexpectedKeys) > 0 {
			errorMsgs = append([]string{fmt.Sprintf("Unexpected key(s) in state_dict: %s. ",
				quoteJoin(result.UnexpectedKeys))}, errorMsgs...)
		}
		if len(result.MissingKeys) > 0 {
			errorMsgs = append([]string{fmt.Sprintf("Missing key(s) in state_dict: %s. ",
				quoteJoin(result.MissingKeys))}, errorMsgs...)
		}
	}
	if len(errorMsgs) > 0 {
		return result, errors.Errorf("Error(s) in loading state_dict for Model:\n\t%s",
			strings.Join(errorMsgs, "\n\t"))
	}
	return result, nil
}

func sortedKeys(values map[string]*Value) []string {
	keys := maps.Keys(values)
	sort.Strings(keys)
	return keys
}

func quoteJoin(keys []string) string {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = fmt.Sprintf("%q", key)
	}
	return strings.Join(quoted, ", ")
}
