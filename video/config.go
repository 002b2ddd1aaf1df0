// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package video defines the configuration of the linearized RWKV7 video
// model, an encoder-decoder variant operating on tubelets of frames.
package video

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sergiudm/fla-zoo/rwkv7"
)

// ModelType identifies the video variant in configuration files.
const ModelType = "rwkv7_video"

// Config describes the video-model topology. It embeds the RWKV7 core
// parameters and adds frame geometry plus the decoder branch.
type Config struct {
	rwkv7.Config

	ModelType         string  `json:"model_type"`
	ImageSize         int     `json:"image_size"`
	PatchSize         int     `json:"patch_size"`
	NumChannels       int     `json:"num_channels"`
	NumClasses        int     `json:"num_classes"`
	HiddenDropoutProb float64 `json:"hidden_dropout_prob"`
	UseMaskToken      bool    `json:"use_mask_token"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
	InterpolatePosEnc bool    `json:"interpolate_pos_encoding"`
	EncoderStride     int     `json:"encoder_stride"`
	// ChannelMixerDim left zero defaults to four times the hidden size.
	ChannelMixerDim int    `json:"channel_mixer_dim,omitempty"`
	TrainScanType   string `json:"train_scan_type"`
	// TestScanType left empty defaults to TrainScanType.
	TestScanType string `json:"test_scan_type,omitempty"`
	NormPixLoss  bool   `json:"norm_pix_loss"`
	NumFrames    int    `json:"num_frames"`
	TubeletSize  int    `json:"tubelet_size"`

	DecoderNumHeads        int `json:"decoder_num_heads"`
	DecoderHiddenSize      int `json:"decoder_hidden_size"`
	DecoderNumHiddenLayers int `json:"decoder_num_hidden_layers"`
	// DecoderChannelMixerDim left zero defaults to four times the decoder
	// hidden size.
	DecoderChannelMixerDim int `json:"decoder_channel_mixer_dim,omitempty"`
}

// DefaultConfig returns the video-model configuration with its default
// values.
func DefaultConfig() Config {
	return Config{
		Config:                 rwkv7.DefaultConfig(),
		ModelType:              ModelType,
		ImageSize:              224,
		PatchSize:              16,
		NumChannels:            3,
		NumClasses:             1000,
		LayerNormEps:           1e-6,
		EncoderStride:          16,
		TrainScanType:          rwkv7.ScanUni,
		NormPixLoss:            true,
		NumFrames:              16,
		TubeletSize:            2,
		DecoderNumHeads:        6,
		DecoderHiddenSize:      256,
		DecoderNumHiddenLayers: 4,
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
	if c.NumFrames <= 0 || c.TubeletSize <= 0 {
		return fmt.Errorf("frame geometry must be positive, actual num_frames %d, tubelet_size %d", c.NumFrames, c.TubeletSize)
	}
	if c.NumFrames%c.TubeletSize != 0 {
		return fmt.Errorf("num_frames %d must be divisible by tubelet_size %d", c.NumFrames, c.TubeletSize)
	}
	if c.DecoderHiddenSize <= 0 || c.DecoderNumHiddenLayers <= 0 {
		return fmt.Errorf("decoder geometry must be positive, actual decoder_hidden_size %d, decoder_num_hidden_layers %d",
			c.DecoderHiddenSize, c.DecoderNumHiddenLayers)
	}
	if c.ChannelMixerDim == 0 {
		c.ChannelMixerDim = 4 * c.HiddenSize
	}
	if c.DecoderChannelMixerDim == 0 {
		c.DecoderChannelMixerDim = 4 * c.DecoderHiddenSize
	}
	if c.TrainScanType == "" {
		c.TrainScanType = rwkv7.ScanUni
	}
	if c.TestScanType == "" {
		c.TestScanType = c.TrainScanType
	}
	return nil
}

// NumPatchesPerFrame returns the number of patch positions in a single
// frame.
func (c Config) NumPatchesPerFrame() int {
	n := c.ImageSize / c.PatchSize
	return n * n
}

// SeqLen returns the encoder sequence length, one position per tubelet
// patch.
func (c Config) SeqLen() int {
	return c.NumPatchesPerFrame() * c.NumFrames / c.TubeletSize
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
