// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vision

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/spago/nn/linear"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/sergiudm/fla-zoo/rwkv7"
)

// DefaultModelFilename is the file name used for the serialized model
// inside a model directory.
const DefaultModelFilename = "flazoo_model.bin"

// Load reads a serialized model from the given directory.
func Load(dir string) (*Model, error) {
	return loadFromFile(filepath.Join(dir, DefaultModelFilename))
}

// Dump saves the Model to a file.
// See gobEncode for further details.
func Dump(obj *Model, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

// gobEncode writes the model in chunks, one top-level component at a time
// and then one block per chunk, so decoding can allocate the block slice
// from the configuration before reading the blocks.
func gobEncode(obj *Model, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	for _, chunk := range getChunksForGobEncoding(obj) {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func getChunksForGobEncoding(obj *Model) []interface{} {
	chunks := []interface{}{
		obj.Config,
		obj.Embeddings,
		obj.Norm,
		obj.Classifier,
	}
	for _, block := range obj.Blocks {
		chunks = append(chunks, block)
	}
	return chunks
}

// loadFromFile uses Gob to deserialize objects files to memory.
// See gobDecoding for further details.
func loadFromFile(filename string) (m *Model, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobDecoding(f)
}

func gobDecoding(r io.Reader) (*Model, error) {
	obj := &Model{
		Embeddings: &Embeddings{},
		Norm:       &layernorm.Model{},
		Classifier: &linear.Model{},
	}

	br := bufio.NewReader(r)
	decoder := gob.NewDecoder(br)

	if err := decoder.Decode(&obj.Config); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Embeddings); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Norm); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Classifier); err != nil {
		return nil, err
	}

	obj.Blocks = make([]*rwkv7.Block, obj.Config.NumHiddenLayers)
	for i := range obj.Blocks {
		if err := decoder.Decode(&obj.Blocks[i]); err != nil {
			return nil, err
		}
	}

	return obj, nil
}
