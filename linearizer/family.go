// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linearizer

import "fmt"

// PositionLayout tells how a source family stores its position-embedding
// tensor relative to the model's plain (num_patches, hidden) table.
type PositionLayout int

const (
	// PositionsBatched is a (1, num_patches, hidden) tensor whose leading
	// batch dimension is squeezed away during the copy. This is the layout
	// flazoo models themselves use.
	PositionsBatched PositionLayout = iota
	// PositionsTable is a plain (num_patches, hidden) table copied as is.
	PositionsTable
	// PositionsTableWithClass is a (1+num_patches, hidden) table whose
	// leading class-token row is dropped during the copy.
	PositionsTableWithClass
)

// Rule pairs a target block submodule with its source counterpart. Both
// sides name a linear or normalization module carrying a weight and a bias.
type Rule struct {
	Target string
	Source string
}

// EmbeddingRule locates the source tensors for the patch projection and the
// position table, together with the layout adjustment the source needs.
type EmbeddingRule struct {
	// PatchWeight names the patch convolution or projection weight.
	PatchWeight string
	// PatchBias is empty when the source convolution has no bias, in which
	// case the model keeps its fresh bias.
	PatchBias string
	// Positions names the position-embedding tensor.
	Positions string
	Layout    PositionLayout
}

// HeadRule locates the classification head. Head tensors live beside the
// vision tower rather than inside it, so these names are resolved against
// the full checkpoint, ignoring the family prefix.
type HeadRule struct {
	Weight string
	// Bias is skipped when the named tensor is absent from the checkpoint.
	Bias string
}

// Family describes how to initialize a model from one source checkpoint
// family: where the vision tower lives in the checkpoint, how block
// parameters are named, and how embedding and head tensors are laid out.
type Family struct {
	// Name is the identifier accepted by FromCheckpoint callers and the
	// command line.
	Name string
	// ModelID is the Hugging Face repository the checkpoint comes from.
	ModelID string
	// Prefix is stripped from every checkpoint parameter name before rule
	// matching, e.g. "vision_model." for dual-encoder models. Empty when
	// the checkpoint is the vision tower itself.
	Prefix string
	// BlockFormat is the fmt pattern of a block parameter prefix, with the
	// layer index as its only argument, e.g. "encoder.layer.%d.".
	BlockFormat string
	// Rules map target block submodules to source block submodules.
	Rules []Rule
	// Embeddings is nil when the family's patch geometry is incompatible
	// with the model and embeddings must keep their fresh initialization.
	Embeddings *EmbeddingRule
	// Head is nil when the family's checkpoints carry no classification
	// head.
	Head *HeadRule
}

// dinoRules maps blocks onto the DINOv2 encoder-layer naming.
func dinoRules() []Rule {
	return []Rule{
		{"attn.q_proj", "attention.attention.query"},
		{"attn.k_proj", "attention.attention.key"},
		{"attn.v_proj", "attention.attention.value"},
		{"attn.o_proj", "attention.output.dense"},
		{"ln_1", "norm1"},
		{"ln_2", "norm2"},
		{"channel_mixer.fc1", "mlp.fc1"},
		{"channel_mixer.fc2", "mlp.fc2"},
	}
}

// clipRules maps blocks onto the naming shared by the CLIP and SigLIP
// vision towers.
func clipRules() []Rule {
	return []Rule{
		{"attn.q_proj", "self_attn.q_proj"},
		{"attn.k_proj", "self_attn.k_proj"},
		{"attn.v_proj", "self_attn.v_proj"},
		{"attn.o_proj", "self_attn.out_proj"},
		{"ln_1", "layer_norm1"},
		{"ln_2", "layer_norm2"},
		{"channel_mixer.fc1", "mlp.fc1"},
		{"channel_mixer.fc2", "mlp.fc2"},
	}
}

// DINOv2Base initializes from facebook/dinov2-base. DINOv2 uses patch size
// 14, so patch and position embeddings are never copied.
func DINOv2Base() Family {
	return Family{
		Name:        "dinov2-base",
		ModelID:     "facebook/dinov2-base",
		BlockFormat: "encoder.layer.%d.",
		Rules:       dinoRules(),
	}
}

// DINOv2Small initializes from facebook/dinov2-small. Same layout as
// DINOv2Base at a smaller hidden size.
func DINOv2Small() Family {
	return Family{
		Name:        "dinov2-small",
		ModelID:     "facebook/dinov2-small",
		BlockFormat: "encoder.layer.%d.",
		Rules:       dinoRules(),
	}
}

// SigLIP2Base initializes from google/siglip2-base-patch16-224. The source
// position embedding is a plain table with no class token.
func SigLIP2Base() Family {
	return Family{
		Name:        "siglip2-base-patch16-224",
		ModelID:     "google/siglip2-base-patch16-224",
		Prefix:      "vision_model.",
		BlockFormat: "encoder.layers.%d.",
		Rules:       clipRules(),
		Embeddings: &EmbeddingRule{
			PatchWeight: "embeddings.patch_embedding.weight",
			PatchBias:   "embeddings.patch_embedding.bias",
			Positions:   "embeddings.position_embedding.weight",
			Layout:      PositionsTable,
		},
		Head: &HeadRule{
			Weight: "classifier.weight",
			Bias:   "classifier.bias",
		},
	}
}

// CLIPBase initializes from openai/clip-vit-base-patch16. The CLIP patch
// convolution has no bias, and its position table carries a leading
// class-token row that the model drops.
func CLIPBase() Family {
	return Family{
		Name:        "clip-vit-base-patch16",
		ModelID:     "openai/clip-vit-base-patch16",
		Prefix:      "vision_model.",
		BlockFormat: "encoder.layers.%d.",
		Rules:       clipRules(),
		Embeddings: &EmbeddingRule{
			PatchWeight: "embeddings.patch_embedding.weight",
			Positions:   "embeddings.position_embedding.weight",
			Layout:      PositionsTableWithClass,
		},
	}
}

// Families lists the supported source families in a stable order.
func Families() []Family {
	return []Family{
		DINOv2Base(),
		DINOv2Small(),
		SigLIP2Base(),
		CLIPBase(),
	}
}

// FamilyByName returns the family registered under the given name.
func FamilyByName(name string) (Family, error) {
	for _, f := range Families() {
		if f.Name == name {
			return f, nil
		}
	}
	return Family{}, fmt.Errorf("unknown source family %q", name)
}
