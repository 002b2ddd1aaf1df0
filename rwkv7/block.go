// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rwkv7

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/linear"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

// BlockConfig is the geometry of a single mixer block.
type BlockConfig struct {
	HiddenSize      int
	ValueDim        int
	ChannelMixerDim int
	NormEps         float64
}

// Block is one linearized mixer block. It carries the parameter layout
// only; the forward computation lives with the training stacks and is out
// of scope here.
type Block struct {
	nn.Module

	LN1 *layernorm.Model
	LN2 *layernorm.Model

	Attn         *Attention
	ChannelMixer *ChannelMixer
}

// Attention holds the q/k/v/o projections of the token mixer. The value and
// output projections follow the per-layer value dimension, which may exceed
// the hidden size.
type Attention struct {
	nn.Module
	QProj *linear.Model
	KProj *linear.Model
	VProj *linear.Model
	OProj *linear.Model
}

// ChannelMixer is the two-layer feed-forward block.
type ChannelMixer struct {
	nn.Module
	FC1 *linear.Model
	FC2 *linear.Model
}

func init() {
	gob.Register(&Block{})
	gob.Register(&Attention{})
	gob.Register(&ChannelMixer{})
}

// NewBlock returns a block with zero-valued parameters of the given geometry.
func NewBlock[T float.DType](c BlockConfig) *Block {
	return &Block{
		LN1: layernorm.New[T](c.HiddenSize, c.NormEps),
		LN2: layernorm.New[T](c.HiddenSize, c.NormEps),
		Attn: &Attention{
			QProj: linear.New[T](c.HiddenSize, c.HiddenSize),
			KProj: linear.New[T](c.HiddenSize, c.HiddenSize),
			VProj: linear.New[T](c.HiddenSize, c.ValueDim),
			OProj: linear.New[T](c.ValueDim, c.HiddenSize),
		},
		ChannelMixer: &ChannelMixer{
			FC1: linear.New[T](c.HiddenSize, c.ChannelMixerDim),
			FC2: linear.New[T](c.ChannelMixerDim, c.HiddenSize),
		},
	}
}

// NamedParam pairs a parameter with its canonical dotted name. The names
// are the ones the initialization mappings and the persisted form rely on.
type NamedParam struct {
	Name  string
	Param *nn.Param
}

// NamedParams lists the block parameters in a fixed order, each name
// prepended with prefix.
func (b *Block) NamedParams(prefix string) []NamedParam {
	return []NamedParam{
		{prefix + "ln_1.weight", b.LN1.W},
		{prefix + "ln_1.bias", b.LN1.B},
		{prefix + "attn.q_proj.weight", b.Attn.QProj.W},
		{prefix + "attn.q_proj.bias", b.Attn.QProj.B},
		{prefix + "attn.k_proj.weight", b.Attn.KProj.W},
		{prefix + "attn.k_proj.bias", b.Attn.KProj.B},
		{prefix + "attn.v_proj.weight", b.Attn.VProj.W},
		{prefix + "attn.v_proj.bias", b.Attn.VProj.B},
		{prefix + "attn.o_proj.weight", b.Attn.OProj.W},
		{prefix + "attn.o_proj.bias", b.Attn.OProj.B},
		{prefix + "ln_2.weight", b.LN2.W},
		{prefix + "ln_2.bias", b.LN2.B},
		{prefix + "channel_mixer.fc1.weight", b.ChannelMixer.FC1.W},
		{prefix + "channel_mixer.fc1.bias", b.ChannelMixer.FC1.B},
		{prefix + "channel_mixer.fc2.weight", b.ChannelMixer.FC2.W},
		{prefix + "channel_mixer.fc2.bias", b.ChannelMixer.FC2.B},
	}
}
