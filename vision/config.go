// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vision defines the configuration and the parameter layout of the
// linearized RWKV7 image model.
package vision

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sergiudm/fla-zoo/rwkv7"
)

// ModelType identifies the image variant in configuration files.
const ModelType = "rwkv7_vision"

// Config describes the image-model topology. It embeds the RWKV7 core
// parameters, so a flazoo config.json unmarshals straight into it.
type Config struct {
	rwkv7.Config

	ModelType         string  `json:"model_type"`
	ImageSize         int     `json:"image_size"`
	PatchSize         int     `json:"patch_size"`
	NumChannels       int     `json:"num_channels"`
	NumClasses        int     `json:"num_classes"`
	QKVBias           bool    `json:"qkv_bias"`
	HiddenDropoutProb float64 `json:"hidden_dropout_prob"`
	UseMaskToken      bool    `json:"use_mask_token"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
	InterpolatePosEnc bool    `json:"interpolate_pos_encoding"`
	// ChannelMixerDim left zero defaults to four times the hidden size.
	ChannelMixerDim int    `json:"channel_mixer_dim,omitempty"`
	EncoderStride   int    `json:"encoder_stride"`
	TrainScanType   string `json:"train_scan_type"`
	// TestScanType left empty defaults to TrainScanType.
	TestScanType string `json:"test_scan_type,omitempty"`
}

// DefaultConfig returns the image-model configuration with its default
// values. Derived fields (per-layer value dimensions, channel-mixer width,
// test-time scan type) are filled by Validate once the caller has set the
// topology.
func DefaultConfig() Config {
	return Config{
		Config:        rwkv7.DefaultConfig(),
		ModelType:     ModelType,
		ImageSize:     224,
		PatchSize:     16,
		NumChannels:   3,
		NumClasses:    1000,
		QKVBias:       true,
		LayerNormEps:  1e-6,
		EncoderStride: 16,
		TrainScanType: rwkv7.ScanUni,
	}
}

// Validate normalizes the configuration in place and checks its invariants.
func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.ImageSize <= 0 || c.PatchSize <= 0 {
		return fmt.Errorf("image geometry must be positive, actual image_size %d, patch_size %d", c.ImageSize, c.PatchSize)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("image_size %d must be divisible by patch_size %d", c.ImageSize, c.PatchSize)
	}
	if c.NumChannels <= 0 {
		return fmt.Errorf("num_channels must be positive, actual %d", c.NumChannels)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, actual %d", c.NumClasses)
	}
	if c.ChannelMixerDim == 0 {
		c.ChannelMixerDim = 4 * c.HiddenSize
	}
	if c.TrainScanType == "" {
		c.TrainScanType = rwkv7.ScanUni
	}
	if c.TestScanType == "" {
		c.TestScanType = c.TrainScanType
	}
	return nil
}

// NumPatches returns the number of patch positions. Linearized vision
// models carry no class token, so this is also the position-embedding row
// count.
func (c Config) NumPatches() int {
	n := c.ImageSize / c.PatchSize
	return n * n
}

// LoadConfig reads a model configuration from a JSON file, applying the
// defaults for absent fields, and validates it.
func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	config := DefaultConfig()
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration %q: %w", filePath, err)
	}
	return config, nil
}
