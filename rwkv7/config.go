// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rwkv7 holds the parameter layout and the core configuration shared
// by the linearized RWKV7 vision and video models.
package rwkv7

import (
	"errors"
	"fmt"
)

// Scan strategies accepted by the vision and video configurations.
const (
	ScanUni   = "uni-scan"
	ScanBi    = "bi-scan"
	ScanCross = "cross-scan"
)

// Config is the RWKV7 core parameter bag common to the vision and video
// model configurations, which embed it.
type Config struct {
	AttnMode   string `json:"attn_mode"`
	HiddenSize int    `json:"hidden_size"`
	// NumHiddenLayers is the number of mixer blocks.
	NumHiddenLayers int     `json:"num_hidden_layers"`
	HeadDim         int     `json:"head_dim"`
	NumHeads        int     `json:"num_heads,omitempty"`
	DecayLowRankDim int     `json:"decay_low_rank_dim"`
	GateLowRankDim  int     `json:"gate_low_rank_dim"`
	ALowRankDim     int     `json:"a_low_rank_dim"`
	VLowRankDim     int     `json:"v_low_rank_dim"`
	HiddenAct       string  `json:"hidden_act"`
	NormFirst       bool    `json:"norm_first"`
	NormBias        bool    `json:"norm_bias"`
	NormEps         float64 `json:"norm_eps"`
	// Attn optionally keeps full quadratic attention on a subset of layers.
	Attn             *AttnConfig `json:"attn,omitempty"`
	InitializerRange float64     `json:"initializer_range"`
	FuseNorm         bool        `json:"fuse_norm"`
	FuseCrossEntropy bool        `json:"fuse_cross_entropy"`
	// ValueDim sets one value dimension for every layer. It must be at
	// least HiddenSize and divisible by it. Mutually exclusive with
	// ValueDims; Validate broadcasts it to the per-layer list and clears
	// it, so a validated configuration validates again.
	ValueDim int `json:"-"`
	// ValueDims is the per-layer value dimension list, one entry per
	// hidden layer. Left nil, every layer uses HiddenSize.
	ValueDims             []int  `json:"value_dim,omitempty"`
	AttnType              string `json:"attn_type"`
	GradientCheckpointing bool   `json:"gradient_checkpointing"`
}

// AttnConfig describes which layers retain full attention in a hybrid model.
// Layers and NumHeads are mandatory; NumKVHeads defaults to NumHeads and
// WindowSize zero means no sliding window.
type AttnConfig struct {
	Layers     []int `json:"layers"`
	NumHeads   int   `json:"num_heads"`
	NumKVHeads int   `json:"num_kv_heads,omitempty"`
	WindowSize int   `json:"window_size,omitempty"`
}

// DefaultConfig returns the core parameters with their default values.
func DefaultConfig() Config {
	return Config{
		AttnMode:         "chunk",
		HiddenSize:       2048,
		NumHiddenLayers:  24,
		HeadDim:          64,
		DecayLowRankDim:  64,
		GateLowRankDim:   128,
		ALowRankDim:      64,
		VLowRankDim:      16,
		HiddenAct:        "sqrelu",
		NormFirst:        true,
		NormBias:         true,
		NormEps:          1e-5,
		InitializerRange: 0.006,
		FuseNorm:         true,
		FuseCrossEntropy: true,
		AttnType:         "full_attn",
	}
}

// Validate normalizes the core parameters in place and checks their
// invariants. It broadcasts ValueDim (or HiddenSize when neither value
// dimension field is set) to the per-layer ValueDims list and fills the
// hybrid-attention defaults.
func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden_size must be positive, actual %d", c.HiddenSize)
	}
	if c.NumHiddenLayers <= 0 {
		return fmt.Errorf("num_hidden_layers must be positive, actual %d", c.NumHiddenLayers)
	}

	if c.Attn != nil {
		if len(c.Attn.Layers) == 0 {
			return errors.New("attn: layer indices must be provided to initialize hybrid attention layers")
		}
		if c.Attn.NumHeads <= 0 {
			return errors.New("attn: number of heads must be provided to initialize hybrid attention layers")
		}
		for _, l := range c.Attn.Layers {
			if l < 0 || l >= c.NumHiddenLayers {
				return fmt.Errorf("attn: layer index %d out of range, expected 0 to %d", l, c.NumHiddenLayers-1)
			}
		}
		if c.Attn.NumKVHeads == 0 {
			c.Attn.NumKVHeads = c.Attn.NumHeads
		}
	}

	switch {
	case c.ValueDim != 0 && c.ValueDims != nil:
		return errors.New("value_dim: set either the uniform dimension or the per-layer list, not both")
	case c.ValueDim != 0:
		if err := c.checkValueDim(c.ValueDim); err != nil {
			return err
		}
		c.ValueDims = broadcast(c.ValueDim, c.NumHiddenLayers)
		c.ValueDim = 0
	case c.ValueDims == nil:
		c.ValueDims = broadcast(c.HiddenSize, c.NumHiddenLayers)
	default:
		if len(c.ValueDims) != c.NumHiddenLayers {
			return fmt.Errorf("value_dim: expected one entry per hidden layer (%d), actual %d", c.NumHiddenLayers, len(c.ValueDims))
		}
		for _, v := range c.ValueDims {
			if err := c.checkValueDim(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) checkValueDim(v int) error {
	if v < c.HiddenSize {
		return fmt.Errorf("value_dim %d must be greater than or equal to hidden_size %d", v, c.HiddenSize)
	}
	if v%c.HiddenSize != 0 {
		return fmt.Errorf("value_dim %d must be divisible by hidden_size %d", v, c.HiddenSize)
	}
	return nil
}

func broadcast(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
