// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linearizer

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

type paramsMap map[string]*pytorch.Tensor

// loadParamsMap reads a pickled torch checkpoint and flattens its state
// dict into a name-to-tensor map.
func loadParamsMap(filename string) (paramsMap, error) {
	torchModel, err := pytorch.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch checkpoint %q: %w", filename, err)
	}
	params, err := makeParamsMap(torchModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint params: %w", err)
	}
	return params, nil
}

func makeParamsMap(torchModel any) (paramsMap, error) {
	od, err := cast[*types.OrderedDict](torchModel)
	if err != nil {
		return nil, err
	}

	params := make(paramsMap, od.Len())

	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		params[name] = tensor
	}

	return params, nil
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

// fetch gets a tensor from params by its name, removing the entry from the
// map.
func (p paramsMap) fetch(name string) (*pytorch.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", name)
	}
	delete(p, name)
	return t, nil
}

func (p paramsMap) fetchPrefixed(prefix string) paramsMap {
	out := make(paramsMap, len(p))
	for k, v := range p {
		if after, ok := strings.CutPrefix(k, prefix); ok {
			out[after] = v
			delete(p, k)
		}
	}
	return out
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := t.Size[0]
	for _, v := range t.Size[1:] {
		size *= v
	}
	return size
}

// tensorData extracts the tensor's backing slice as the destination data
// type. Half and bfloat16 storages are widened to float32 by gopickle at
// load time.
func tensorData[T float.DType](t *pytorch.Tensor) ([]T, error) {
	size := tensorDataSize(t)
	switch st := t.Source.(type) {
	case *pytorch.FloatStorage:
		return castData[T](st.Data[t.StorageOffset : t.StorageOffset+size]), nil
	case *pytorch.HalfStorage:
		return castData[T](st.Data[t.StorageOffset : t.StorageOffset+size]), nil
	case *pytorch.BFloat16Storage:
		return castData[T](st.Data[t.StorageOffset : t.StorageOffset+size]), nil
	case *pytorch.DoubleStorage:
		return castData[T](st.Data[t.StorageOffset : t.StorageOffset+size]), nil
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", t.Source)
	}
}

func castData[T, S float.DType](data []S) []T {
	return float.SliceValueOf[T](float.Make(data...))
}

// tensorToMatrix converts a 2-dimensional tensor.
func tensorToMatrix[T float.DType](t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, actual %d", len(t.Size))
	}
	data, err := tensorData[T](t)
	if err != nil {
		return nil, err
	}
	return mat.NewDense[T](mat.WithShape(t.Size[0], t.Size[1]), mat.WithBacking(data)), nil
}

// tensorToFlatMatrix keeps the leading dimension as rows and flattens the
// remaining dimensions into columns. A convolution weight of size
// (hidden, channels, patch, patch) becomes the equivalent projection over
// flattened patches.
func tensorToFlatMatrix[T float.DType](t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) < 2 {
		return nil, fmt.Errorf("expected at least 2 dimensions, actual %d", len(t.Size))
	}
	data, err := tensorData[T](t)
	if err != nil {
		return nil, err
	}
	return mat.NewDense[T](mat.WithShape(t.Size[0], len(data)/t.Size[0]), mat.WithBacking(data)), nil
}

// tensorToVector converts a 1-dimensional tensor.
func tensorToVector[T float.DType](t *pytorch.Tensor) (mat.Matrix, error) {
	if len(t.Size) != 1 {
		return nil, fmt.Errorf("expected 1 dimension, actual %d", len(t.Size))
	}
	data, err := tensorData[T](t)
	if err != nil {
		return nil, err
	}
	return mat.NewDense[T](mat.WithShape(t.Size[0]), mat.WithBacking(data)), nil
}

// dims returns the row and column sizes of a tensor value. A
// single-dimension shape is a column vector.
func dims(v mat.Tensor) (rows, cols int) {
	shape := v.Shape()
	if len(shape) == 1 {
		return shape[0], 1
	}
	return shape[0], shape[1]
}
