// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linearizer

import (
	"strings"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/sergiudm/fla-zoo/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig is a tiny but fully valid image-model topology: 2x2 patches
// over a 4x4 single-channel image, hidden size 4, two blocks.
func testConfig(t *testing.T) vision.Config {
	t.Helper()
	c := vision.DefaultConfig()
	c.HiddenSize = 4
	c.NumHiddenLayers = 2
	c.ImageSize = 4
	c.PatchSize = 2
	c.NumChannels = 1
	c.NumClasses = 3
	c.ChannelMixerDim = 8
	require.NoError(t, c.Validate())
	return c
}

// fixture accumulates a synthetic checkpoint where every tensor holds a
// distinct running sequence, so a copied parameter identifies its source.
type fixture struct {
	params paramsMap
	data   map[string][]float32
	next   float32
}

func newFixture() *fixture {
	return &fixture{
		params: make(paramsMap),
		data:   make(map[string][]float32),
	}
}

func (f *fixture) add(name string, size ...int) []float32 {
	n := 1
	for _, s := range size {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		f.next++
		data[i] = f.next
	}
	f.params[name] = newTensor(size, data)
	f.data[name] = data
	return data
}

// addClipBlock adds one encoder block in the naming shared by the CLIP and
// SigLIP vision towers.
func (f *fixture) addClipBlock(prefix string, hidden, mixer int) {
	f.add(prefix+"self_attn.q_proj.weight", hidden, hidden)
	f.add(prefix+"self_attn.q_proj.bias", hidden)
	f.add(prefix+"self_attn.k_proj.weight", hidden, hidden)
	f.add(prefix+"self_attn.k_proj.bias", hidden)
	f.add(prefix+"self_attn.v_proj.weight", hidden, hidden)
	f.add(prefix+"self_attn.v_proj.bias", hidden)
	f.add(prefix+"self_attn.out_proj.weight", hidden, hidden)
	f.add(prefix+"self_attn.out_proj.bias", hidden)
	f.add(prefix+"layer_norm1.weight", hidden)
	f.add(prefix+"layer_norm1.bias", hidden)
	f.add(prefix+"layer_norm2.weight", hidden)
	f.add(prefix+"layer_norm2.bias", hidden)
	f.add(prefix+"mlp.fc1.weight", mixer, hidden)
	f.add(prefix+"mlp.fc1.bias", mixer)
	f.add(prefix+"mlp.fc2.weight", hidden, mixer)
	f.add(prefix+"mlp.fc2.bias", hidden)
}

// addDinoBlock adds one encoder block in the DINOv2 naming.
func (f *fixture) addDinoBlock(prefix string, hidden, mixer int) {
	f.add(prefix+"attention.attention.query.weight", hidden, hidden)
	f.add(prefix+"attention.attention.query.bias", hidden)
	f.add(prefix+"attention.attention.key.weight", hidden, hidden)
	f.add(prefix+"attention.attention.key.bias", hidden)
	f.add(prefix+"attention.attention.value.weight", hidden, hidden)
	f.add(prefix+"attention.attention.value.bias", hidden)
	f.add(prefix+"attention.output.dense.weight", hidden, hidden)
	f.add(prefix+"attention.output.dense.bias", hidden)
	f.add(prefix+"norm1.weight", hidden)
	f.add(prefix+"norm1.bias", hidden)
	f.add(prefix+"norm2.weight", hidden)
	f.add(prefix+"norm2.bias", hidden)
	f.add(prefix+"mlp.fc1.weight", mixer, hidden)
	f.add(prefix+"mlp.fc1.bias", mixer)
	f.add(prefix+"mlp.fc2.weight", hidden, mixer)
	f.add(prefix+"mlp.fc2.bias", hidden)
}

// siglipFixture builds a complete synthetic SigLIP-style checkpoint for the
// test configuration: a prefixed vision tower plus a root-level classifier.
func siglipFixture(c vision.Config) *fixture {
	f := newFixture()
	f.addClipBlock("vision_model.encoder.layers.0.", c.HiddenSize, c.ChannelMixerDim)
	f.addClipBlock("vision_model.encoder.layers.1.", c.HiddenSize, c.ChannelMixerDim)
	f.add("vision_model.embeddings.patch_embedding.weight", c.HiddenSize, c.NumChannels, c.PatchSize, c.PatchSize)
	f.add("vision_model.embeddings.patch_embedding.bias", c.HiddenSize)
	f.add("vision_model.embeddings.position_embedding.weight", c.NumPatches(), c.HiddenSize)
	f.add("classifier.weight", c.NumClasses, c.HiddenSize)
	f.add("classifier.bias", c.NumClasses)
	return f
}

func f64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

func assertParamData(t *testing.T, want []float32, p *nn.Param) {
	t.Helper()
	assert.Equal(t, f64(want), p.Value().Data().F64())
}

func assertZeroParam(t *testing.T, p *nn.Param) {
	t.Helper()
	for _, v := range p.Value().Data().F64() {
		require.Zero(t, v)
	}
}

func TestFromParamsSigLIP(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	f := siglipFixture(c)

	res, err := fromParams[float32](model, SigLIP2Base(), f.params, DefaultOptions())
	require.NoError(t, err)
	assert.Same(t, model, res.Model)
	assert.Nil(t, res.Checkpoint)
	assert.Nil(t, res.Pretrained)

	assertParamData(t, f.data["vision_model.encoder.layers.0.self_attn.q_proj.weight"], model.Blocks[0].Attn.QProj.W)
	assertParamData(t, f.data["vision_model.encoder.layers.0.self_attn.q_proj.bias"], model.Blocks[0].Attn.QProj.B)
	assertParamData(t, f.data["vision_model.encoder.layers.0.layer_norm1.bias"], model.Blocks[0].LN1.B)
	assertParamData(t, f.data["vision_model.encoder.layers.1.self_attn.out_proj.weight"], model.Blocks[1].Attn.OProj.W)
	assertParamData(t, f.data["vision_model.encoder.layers.1.layer_norm2.weight"], model.Blocks[1].LN2.W)
	assertParamData(t, f.data["vision_model.encoder.layers.1.mlp.fc1.weight"], model.Blocks[1].ChannelMixer.FC1.W)
	assertParamData(t, f.data["vision_model.encoder.layers.1.mlp.fc2.bias"], model.Blocks[1].ChannelMixer.FC2.B)

	assertParamData(t, f.data["vision_model.embeddings.patch_embedding.weight"], model.Embeddings.Projection.W)
	assertParamData(t, f.data["vision_model.embeddings.patch_embedding.bias"], model.Embeddings.Projection.B)
	assertParamData(t, f.data["vision_model.embeddings.position_embedding.weight"], model.Embeddings.PositionEmbeddings)

	assertParamData(t, f.data["classifier.weight"], model.Classifier.W)
	assertParamData(t, f.data["classifier.bias"], model.Classifier.B)

	// Default options freeze the channel mixers and leave everything else
	// trainable.
	assert.False(t, model.Blocks[0].ChannelMixer.FC1.W.RequiresGrad())
	assert.False(t, model.Blocks[1].ChannelMixer.FC2.B.RequiresGrad())
	assert.True(t, model.Blocks[0].Attn.QProj.W.RequiresGrad())
	assert.True(t, model.Norm.W.RequiresGrad())
}

func TestFromParamsHeadWithoutBias(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	f := siglipFixture(c)
	delete(f.params, "classifier.bias")

	_, err := fromParams[float32](model, SigLIP2Base(), f.params, DefaultOptions())
	require.NoError(t, err)

	// The weight is copied and the absent bias keeps its fresh value.
	assertParamData(t, f.data["classifier.weight"], model.Classifier.W)
	assertZeroParam(t, model.Classifier.B)
}

func TestFromParamsTrainMLP(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	f := siglipFixture(c)

	opts := DefaultOptions()
	opts.TrainMLP = true
	_, err := fromParams[float32](model, SigLIP2Base(), f.params, opts)
	require.NoError(t, err)

	for _, p := range model.NamedParams() {
		assert.True(t, p.Param.RequiresGrad(), p.Name)
	}
}

func TestFromParamsKeepPretrained(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	f := siglipFixture(c)
	total := len(f.params)

	opts := DefaultOptions()
	opts.KeepPretrained = true
	res, err := fromParams[float32](model, SigLIP2Base(), f.params, opts)
	require.NoError(t, err)

	// The snapshot keeps every tensor under its full checkpoint name.
	require.NotNil(t, res.Checkpoint)
	assert.Len(t, res.Checkpoint, total)
	assert.Contains(t, res.Checkpoint, "vision_model.encoder.layers.1.mlp.fc2.bias")
	assert.Contains(t, res.Checkpoint, "vision_model.embeddings.position_embedding.weight")
	assert.Contains(t, res.Checkpoint, "classifier.weight")
}

func TestFromParamsSkipEmbeddingAndHead(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	f := siglipFixture(c)

	_, err := fromParams[float32](model, SigLIP2Base(), f.params, Options{TrainMLP: true})
	require.NoError(t, err)

	assertParamData(t, f.data["vision_model.encoder.layers.0.self_attn.k_proj.weight"], model.Blocks[0].Attn.KProj.W)
	assertZeroParam(t, model.Embeddings.Projection.W)
	assertZeroParam(t, model.Embeddings.PositionEmbeddings)
	assertZeroParam(t, model.Classifier.W)
}

func TestFromParamsCLIP(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)

	f := newFixture()
	f.addClipBlock("vision_model.encoder.layers.0.", c.HiddenSize, c.ChannelMixerDim)
	f.addClipBlock("vision_model.encoder.layers.1.", c.HiddenSize, c.ChannelMixerDim)
	f.add("vision_model.embeddings.patch_embedding.weight", c.HiddenSize, c.NumChannels, c.PatchSize, c.PatchSize)
	positions := f.add("vision_model.embeddings.position_embedding.weight", 1+c.NumPatches(), c.HiddenSize)

	res, err := fromParams[float32](model, CLIPBase(), f.params, DefaultOptions())
	require.NoError(t, err)
	assert.Nil(t, res.Checkpoint)

	assertParamData(t, f.data["vision_model.embeddings.patch_embedding.weight"], model.Embeddings.Projection.W)

	// The leading class-token row is dropped from the position table.
	assertParamData(t, positions[c.HiddenSize:], model.Embeddings.PositionEmbeddings)

	// CLIP checkpoints have no patch bias and no classification head, so
	// those parameters keep their fresh values.
	assertZeroParam(t, model.Embeddings.Projection.B)
	assertZeroParam(t, model.Classifier.W)
	assertZeroParam(t, model.Classifier.B)
}

func TestFromParamsDINOv2(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)

	f := newFixture()
	f.addDinoBlock("encoder.layer.0.", c.HiddenSize, c.ChannelMixerDim)
	f.addDinoBlock("encoder.layer.1.", c.HiddenSize, c.ChannelMixerDim)

	_, err := fromParams[float32](model, DINOv2Base(), f.params, DefaultOptions())
	require.NoError(t, err)

	assertParamData(t, f.data["encoder.layer.0.attention.attention.query.weight"], model.Blocks[0].Attn.QProj.W)
	assertParamData(t, f.data["encoder.layer.0.attention.output.dense.bias"], model.Blocks[0].Attn.OProj.B)
	assertParamData(t, f.data["encoder.layer.1.norm2.weight"], model.Blocks[1].LN2.W)
	assertParamData(t, f.data["encoder.layer.1.mlp.fc2.weight"], model.Blocks[1].ChannelMixer.FC2.W)

	// The family has no compatible embeddings and no head: both stay fresh
	// even though the options ask for them.
	assertZeroParam(t, model.Embeddings.Projection.W)
	assertZeroParam(t, model.Embeddings.PositionEmbeddings)
	assertZeroParam(t, model.Classifier.W)
}

func TestFromParamsPositionsBatched(t *testing.T) {
	c := testConfig(t)
	family := Family{
		Name:        "flazoo",
		BlockFormat: "blocks.%d.",
		Rules:       clipRules(),
		Embeddings: &EmbeddingRule{
			PatchWeight: "embeddings.patch.weight",
			PatchBias:   "embeddings.patch.bias",
			Positions:   "embeddings.positions",
			Layout:      PositionsBatched,
		},
	}

	build := func(leading int) (*fixture, []float32) {
		f := newFixture()
		f.addClipBlock("blocks.0.", c.HiddenSize, c.ChannelMixerDim)
		f.addClipBlock("blocks.1.", c.HiddenSize, c.ChannelMixerDim)
		f.add("embeddings.patch.weight", c.HiddenSize, c.NumChannels, c.PatchSize, c.PatchSize)
		f.add("embeddings.patch.bias", c.HiddenSize)
		positions := f.add("embeddings.positions", leading, c.NumPatches(), c.HiddenSize)
		return f, positions
	}

	t.Run("batch dimension is squeezed", func(t *testing.T) {
		model := vision.New[float32](c)
		f, positions := build(1)

		_, err := fromParams[float32](model, family, f.params, DefaultOptions())
		require.NoError(t, err)
		assertParamData(t, positions, model.Embeddings.PositionEmbeddings)
	})

	t.Run("wrong leading dimension", func(t *testing.T) {
		model := vision.New[float32](c)
		f, _ := build(2)

		_, err := fromParams[float32](model, family, f.params, DefaultOptions())
		assert.ErrorContains(t, err, "expected size (1, positions, hidden)")
	})
}

func TestFromParamsErrors(t *testing.T) {
	c := testConfig(t)

	t.Run("missing block tensor", func(t *testing.T) {
		f := siglipFixture(c)
		delete(f.params, "vision_model.encoder.layers.0.self_attn.q_proj.weight")

		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, "failed to initialize blocks.0.attn.q_proj")
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("block tensor shape mismatch", func(t *testing.T) {
		f := siglipFixture(c)
		f.params["vision_model.encoder.layers.0.self_attn.q_proj.weight"] =
			newTensor([]int{4, 5}, make([]float32, 20))

		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, "expected matrix size 4x4, actual 4x5")
	})

	t.Run("weight tensor with wrong rank", func(t *testing.T) {
		// A flattened tensor matches the 4x4 target in total size but must
		// still be rejected.
		f := siglipFixture(c)
		f.params["vision_model.encoder.layers.0.self_attn.q_proj.weight"] =
			newTensor([]int{16}, make([]float32, 16))

		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, "failed to initialize blocks.0.attn.q_proj")
		assert.ErrorContains(t, err, "expected 2 dimensions, actual 1")
	})

	t.Run("bias tensor with wrong rank", func(t *testing.T) {
		f := siglipFixture(c)
		f.params["vision_model.encoder.layers.0.self_attn.q_proj.bias"] =
			newTensor([]int{4, 1}, make([]float32, 4))

		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, "expected 1 dimension, actual 2")
	})

	t.Run("missing block", func(t *testing.T) {
		f := siglipFixture(c)
		for name := range f.params {
			if strings.HasPrefix(name, "vision_model.encoder.layers.1.") {
				delete(f.params, name)
			}
		}

		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, "checkpoint has no parameters for block 1")
	})

	t.Run("wrong position table rank", func(t *testing.T) {
		f := siglipFixture(c)
		f.params["vision_model.embeddings.position_embedding.weight"] =
			newTensor([]int{1, c.NumPatches(), c.HiddenSize}, make([]float32, c.NumPatches()*c.HiddenSize))

		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, "expected size (positions, hidden)")
	})

	t.Run("errors name the family", func(t *testing.T) {
		f := newFixture()
		_, err := fromParams[float32](vision.New[float32](c), SigLIP2Base(), f.params, DefaultOptions())
		assert.ErrorContains(t, err, `initialization from "siglip2-base-patch16-224" failed`)
	})
}

func TestVerifyCopy(t *testing.T) {
	want, err := tensorToMatrix[float32](newTensor([]int{2, 2}, []float32{1, 2, 3, 4}))
	require.NoError(t, err)
	p := nn.NewParam(want)

	assert.NoError(t, verifyCopy("position embeddings", p, want))

	// Verification is exact: a single differing element fails it.
	off, err := tensorToMatrix[float32](newTensor([]int{2, 2}, []float32{1, 2, 3, 5}))
	require.NoError(t, err)
	assert.ErrorContains(t, verifyCopy("position embeddings", p, off),
		"verification failed for position embeddings")
}

// fillParams replaces every parameter value with a distinct running
// sequence, keeping the original shape.
func fillParams(m *vision.Model, start float32) {
	v := start
	for _, p := range m.NamedParams() {
		val := p.Param.Value()
		data := make([]float32, val.Size())
		for i := range data {
			v++
			data[i] = v
		}
		rows, cols := dims(val)
		p.Param.ReplaceValue(mat.NewDense[float32](
			mat.WithShape(rows, cols), mat.WithBacking(data)))
	}
}

func TestFromModel(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	source := vision.New[float32](c)
	fillParams(source, 100)

	opts := Options{TrainMLP: true, InitEmbedding: true, InitHead: true, KeepPretrained: true}
	res, err := FromModel(model, source, opts)
	require.NoError(t, err)
	assert.Same(t, model, res.Model)
	assert.Same(t, source, res.Pretrained)
	assert.Nil(t, res.Checkpoint)

	pairs := []struct {
		name     string
		dst, src *nn.Param
	}{
		{"q_proj weight", model.Blocks[0].Attn.QProj.W, source.Blocks[0].Attn.QProj.W},
		{"ln_2 bias", model.Blocks[1].LN2.B, source.Blocks[1].LN2.B},
		{"fc1 weight", model.Blocks[1].ChannelMixer.FC1.W, source.Blocks[1].ChannelMixer.FC1.W},
		{"projection weight", model.Embeddings.Projection.W, source.Embeddings.Projection.W},
		{"position embeddings", model.Embeddings.PositionEmbeddings, source.Embeddings.PositionEmbeddings},
		{"classifier weight", model.Classifier.W, source.Classifier.W},
		{"classifier bias", model.Classifier.B, source.Classifier.B},
	}
	for _, pair := range pairs {
		assert.Equal(t, pair.src.Value().Data().F64(), pair.dst.Value().Data().F64(), pair.name)
		// Values are cloned, the models share no storage.
		assert.NotSame(t, pair.src.Value(), pair.dst.Value(), pair.name)
	}

	// The final normalization stays fresh.
	assert.NotEqual(t, source.Norm.W.Value().Data().F64(), model.Norm.W.Value().Data().F64())

	assert.True(t, model.Blocks[0].ChannelMixer.FC1.W.RequiresGrad())
}

func TestFromModelBlocksOnly(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	source := vision.New[float32](c)
	fillParams(source, 100)

	res, err := FromModel(model, source, Options{TrainMLP: true})
	require.NoError(t, err)
	assert.Nil(t, res.Pretrained)

	assert.Equal(t,
		source.Blocks[0].LN1.W.Value().Data().F64(),
		model.Blocks[0].LN1.W.Value().Data().F64())
	assertZeroParam(t, model.Embeddings.Projection.W)
	assertZeroParam(t, model.Embeddings.PositionEmbeddings)
	assertZeroParam(t, model.Classifier.W)
}

func TestFromModelFreeze(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	source := vision.New[float32](c)
	fillParams(source, 100)

	_, err := FromModel(model, source, Options{InitEmbedding: true, InitHead: true})
	require.NoError(t, err)

	for _, p := range model.NamedParams() {
		if strings.Contains(p.Name, "channel_mixer") {
			assert.False(t, p.Param.RequiresGrad(), p.Name)
		} else {
			assert.True(t, p.Param.RequiresGrad(), p.Name)
		}
	}
}

func TestFromModelNilClassifierBias(t *testing.T) {
	c := testConfig(t)
	model := vision.New[float32](c)
	source := vision.New[float32](c)
	fillParams(source, 100)
	source.Classifier.B = nil

	_, err := FromModel(model, source, Options{TrainMLP: true, InitHead: true})
	require.NoError(t, err)

	assert.Equal(t,
		source.Classifier.W.Value().Data().F64(),
		model.Classifier.W.Value().Data().F64())
	assertZeroParam(t, model.Classifier.B)
}

func TestFromModelErrors(t *testing.T) {
	c := testConfig(t)

	t.Run("size mismatch", func(t *testing.T) {
		wide := c
		wide.HiddenSize = 8
		wide.ValueDims = nil
		wide.ChannelMixerDim = 0
		require.NoError(t, wide.Validate())

		_, err := FromModel(vision.New[float32](c), vision.New[float32](wide), Options{TrainMLP: true})
		assert.ErrorContains(t, err, "expected size")
	})

	t.Run("missing source parameter", func(t *testing.T) {
		shallow := c
		shallow.NumHiddenLayers = 1
		shallow.ValueDims = nil
		require.NoError(t, shallow.Validate())

		_, err := FromModel(vision.New[float32](c), vision.New[float32](shallow), Options{TrainMLP: true})
		assert.ErrorContains(t, err, "source model has no parameter")
	})
}
