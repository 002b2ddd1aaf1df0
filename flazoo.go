// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flazoo builds linearized RWKV7 vision models from pretrained
// transformer checkpoints. It ties the subpackages together: it locates a
// source family's checkpoint inside a models directory, downloads it on
// demand and runs the initialization over a freshly constructed model.
package flazoo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
	"github.com/sergiudm/fla-zoo/downloader"
	"github.com/sergiudm/fla-zoo/linearizer"
	"github.com/sergiudm/fla-zoo/vision"
)

// SourceDir returns the directory holding the given family's checkpoint
// files inside modelsDir.
func SourceDir(modelsDir string, family linearizer.Family) string {
	return filepath.Join(modelsDir, family.ModelID)
}

// CheckpointPath returns the path of the family's torch checkpoint inside
// modelsDir.
func CheckpointPath(modelsDir string, family linearizer.Family) string {
	return filepath.Join(SourceDir(modelsDir, family), linearizer.DefaultCheckpointFilename)
}

// EnsureSource downloads the family's checkpoint files into modelsDir
// unless the checkpoint is already present.
func EnsureSource(modelsDir string, family linearizer.Family, accessToken string) error {
	if _, err := os.Stat(CheckpointPath(modelsDir, family)); err == nil {
		log.Debug().Str("family", family.Name).Msg("Source checkpoint already present")
		return nil
	}
	return downloader.Download(modelsDir, family.ModelID, false, accessToken)
}

// Linearize builds a model with the given configuration and initializes it
// from the family's checkpoint under modelsDir, downloading the checkpoint
// first when it is missing. The configuration is validated before anything
// is fetched. The access token is only needed for gated repositories.
func Linearize[T float.DType](modelsDir string, family linearizer.Family, config vision.Config, opts linearizer.Options, accessToken string) (*linearizer.Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := EnsureSource(modelsDir, family, accessToken); err != nil {
		return nil, fmt.Errorf("failed to fetch source checkpoint for %q: %w", family.Name, err)
	}
	model := vision.New[T](config)
	return linearizer.FromCheckpoint[T](model, family, CheckpointPath(modelsDir, family), opts)
}
