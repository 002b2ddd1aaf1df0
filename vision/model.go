// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vision

import (
	"encoding/gob"
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/linear"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/sergiudm/fla-zoo/rwkv7"
)

// Model is the parameter layout of the linearized image model: patch and
// position embeddings, a stack of RWKV7 blocks, a final normalization and a
// classification head.
type Model struct {
	nn.Module
	Embeddings *Embeddings
	Blocks     []*rwkv7.Block
	Norm       *layernorm.Model
	Classifier *linear.Model
	Config     Config
}

// Embeddings groups the patch projection and the learned position table.
type Embeddings struct {
	nn.Module
	// Projection maps a flattened num_channels*patch_size*patch_size pixel
	// patch to the hidden size. The torch convolution weight is stored in
	// this flattened layout.
	Projection *linear.Model
	// PositionEmbeddings has one row per patch position.
	PositionEmbeddings *nn.Param
	// MaskToken is nil unless the configuration enables it.
	MaskToken *nn.Param
}

func init() {
	gob.Register(&Model{})
	gob.Register(&Embeddings{})
}

// New returns a model with zero-valued parameters laid out according to the
// given configuration. The configuration must have been validated first.
func New[T float.DType](c Config) *Model {
	m := &Model{
		Config:     c,
		Embeddings: newEmbeddings[T](c),
		Norm:       layernorm.New[T](c.HiddenSize, c.LayerNormEps),
		Classifier: linear.New[T](c.HiddenSize, c.NumClasses),
	}
	m.Blocks = make([]*rwkv7.Block, c.NumHiddenLayers)
	for i := range m.Blocks {
		m.Blocks[i] = rwkv7.NewBlock[T](rwkv7.BlockConfig{
			HiddenSize:      c.HiddenSize,
			ValueDim:        c.ValueDims[i],
			ChannelMixerDim: c.ChannelMixerDim,
			NormEps:         c.LayerNormEps,
		})
	}
	return m
}

func newEmbeddings[T float.DType](c Config) *Embeddings {
	patchDim := c.NumChannels * c.PatchSize * c.PatchSize
	e := &Embeddings{
		Projection:         linear.New[T](patchDim, c.HiddenSize),
		PositionEmbeddings: nn.NewParam(mat.NewDense[T](mat.WithShape(c.NumPatches(), c.HiddenSize))),
	}
	if c.UseMaskToken {
		e.MaskToken = nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize)))
	}
	return e
}

// NamedParams lists every model parameter under its canonical dotted name,
// blocks in layer order.
func (m *Model) NamedParams() []rwkv7.NamedParam {
	np := func(name string, p *nn.Param) rwkv7.NamedParam {
		return rwkv7.NamedParam{Name: name, Param: p}
	}
	params := []rwkv7.NamedParam{
		np("embeddings.patch_embeddings.projection.weight", m.Embeddings.Projection.W),
		np("embeddings.patch_embeddings.projection.bias", m.Embeddings.Projection.B),
		np("embeddings.position_embeddings", m.Embeddings.PositionEmbeddings),
	}
	if m.Embeddings.MaskToken != nil {
		params = append(params, np("embeddings.mask_token", m.Embeddings.MaskToken))
	}
	for i, block := range m.Blocks {
		params = append(params, block.NamedParams(fmt.Sprintf("blocks.%d.", i))...)
	}
	params = append(params,
		np("norm.weight", m.Norm.W),
		np("norm.bias", m.Norm.B),
		np("classifier.weight", m.Classifier.W),
		np("classifier.bias", m.Classifier.B),
	)
	return params
}
