// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linearizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilies(t *testing.T) {
	families := Families()
	require.Len(t, families, 4)

	wantTargets := []string{
		"attn.q_proj",
		"attn.k_proj",
		"attn.v_proj",
		"attn.o_proj",
		"ln_1",
		"ln_2",
		"channel_mixer.fc1",
		"channel_mixer.fc2",
	}

	seen := make(map[string]bool, len(families))
	for _, f := range families {
		assert.False(t, seen[f.Name], "duplicate family %s", f.Name)
		seen[f.Name] = true

		assert.NotEmpty(t, f.ModelID, f.Name)
		assert.Contains(t, f.BlockFormat, "%d", f.Name)
		assert.True(t, strings.HasSuffix(f.BlockFormat, "."), f.Name)

		// Every family initializes the same set of block submodules.
		targets := make([]string, 0, len(f.Rules))
		for _, r := range f.Rules {
			targets = append(targets, r.Target)
			assert.NotEmpty(t, r.Source, f.Name)
		}
		assert.ElementsMatch(t, wantTargets, targets, f.Name)
	}
}

func TestFamilyByName(t *testing.T) {
	for _, want := range Families() {
		got, err := FamilyByName(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.ModelID, got.ModelID)
	}

	_, err := FamilyByName("resnet50")
	assert.ErrorContains(t, err, `unknown source family "resnet50"`)
}

func TestDINOv2Families(t *testing.T) {
	for _, f := range []Family{DINOv2Base(), DINOv2Small()} {
		assert.Empty(t, f.Prefix, f.Name)
		assert.Equal(t, "encoder.layer.%d.", f.BlockFormat, f.Name)
		assert.Nil(t, f.Embeddings, f.Name)
		assert.Nil(t, f.Head, f.Name)
	}

	rules := dinoRules()
	assert.Equal(t, Rule{"attn.q_proj", "attention.attention.query"}, rules[0])
	assert.Equal(t, Rule{"attn.o_proj", "attention.output.dense"}, rules[3])
}

func TestSigLIP2Base(t *testing.T) {
	f := SigLIP2Base()
	assert.Equal(t, "vision_model.", f.Prefix)
	assert.Equal(t, "encoder.layers.%d.", f.BlockFormat)

	require.NotNil(t, f.Embeddings)
	assert.Equal(t, PositionsTable, f.Embeddings.Layout)
	assert.NotEmpty(t, f.Embeddings.PatchBias)

	require.NotNil(t, f.Head)
	assert.Equal(t, "classifier.weight", f.Head.Weight)
	assert.Equal(t, "classifier.bias", f.Head.Bias)
}

func TestCLIPBase(t *testing.T) {
	f := CLIPBase()
	assert.Equal(t, "vision_model.", f.Prefix)

	require.NotNil(t, f.Embeddings)
	assert.Equal(t, PositionsTableWithClass, f.Embeddings.Layout)
	// The CLIP patch convolution has no bias.
	assert.Empty(t, f.Embeddings.PatchBias)

	assert.Nil(t, f.Head)
}
