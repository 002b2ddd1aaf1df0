// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linearizer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options control which parts of the target model the initialization
// touches.
type Options struct {
	// TrainMLP keeps the channel-mixer parameters trainable. When false
	// they are frozen after the copy.
	TrainMLP bool `yaml:"train_mlp"`
	// InitEmbedding copies the patch projection and position embeddings
	// when the source family supports it.
	InitEmbedding bool `yaml:"init_embedding"`
	// InitHead copies the classification head when the source carries one.
	InitHead bool `yaml:"init_head"`
	// KeepPretrained retains the source parameters in the Result.
	KeepPretrained bool `yaml:"keep_pretrained"`
}

// DefaultOptions returns the options used when nothing is specified: frozen
// channel mixers, embeddings and head initialized from the source.
func DefaultOptions() Options {
	return Options{
		InitEmbedding: true,
		InitHead:      true,
	}
}

// OptionsFromFile reads initialization options from a YAML file. Absent
// keys keep their default values.
func OptionsFromFile(filepath string) (Options, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return Options{}, fmt.Errorf("error reading options file: %w", err)
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("error unmarshaling options file: %w", err)
	}
	return opts, nil
}
