// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linearizer initializes linearized vision models from pretrained
// transformer checkpoints. Each supported source family declares how its
// parameter names map onto the model's blocks and how its embedding and
// head tensors are laid out; a single engine walks the declaration and
// copies tensors into the model.
package linearizer

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
	"github.com/sergiudm/fla-zoo/vision"
)

// DefaultCheckpointFilename is the file name checkpoints are stored under
// inside a downloaded model directory.
const DefaultCheckpointFilename = "pytorch_model.bin"

// Result is the outcome of an initialization run.
type Result struct {
	// Model is the initialized target model.
	Model *vision.Model
	// Checkpoint holds every source checkpoint tensor by parameter name.
	// It is set only by FromCheckpoint when Options.KeepPretrained is true.
	Checkpoint map[string]*pytorch.Tensor
	// Pretrained is the source model. It is set only by FromModel when
	// Options.KeepPretrained is true.
	Pretrained *vision.Model
}

// FromCheckpoint initializes model in place from a pickled torch checkpoint
// of the given source family. Block parameters are always copied; embedding
// and head copies are controlled by opts. The checkpoint architecture must
// match the model geometry: a missing tensor or a shape mismatch aborts the
// run, leaving already-copied parameters in place.
func FromCheckpoint[T float.DType](model *vision.Model, family Family, checkpointPath string, opts Options) (*Result, error) {
	root, err := loadParamsMap(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("initialization from %q failed: %w", family.Name, err)
	}
	return fromParams[T](model, family, root, opts)
}

func fromParams[T float.DType](model *vision.Model, family Family, root paramsMap, opts Options) (*Result, error) {
	c := &initializer[T]{
		model:  model,
		family: family,
		opts:   opts,
	}
	c.setParams(root)
	if err := c.run(); err != nil {
		return nil, fmt.Errorf("initialization from %q failed: %w", family.Name, err)
	}

	result := &Result{Model: model}
	if opts.KeepPretrained {
		result.Checkpoint = c.pretrained
	}
	return result, nil
}

// FromModel initializes model in place from another model of the same
// architecture, copying block parameters and, per opts, embeddings and
// classification head. Source values are cloned, so the two models share no
// storage afterwards.
func FromModel(model, source *vision.Model, opts Options) (*Result, error) {
	sourceParams := make(map[string]*nn.Param)
	for _, p := range source.NamedParams() {
		sourceParams[p.Name] = p.Param
	}

	for _, p := range model.NamedParams() {
		if !strings.HasPrefix(p.Name, "blocks.") {
			continue
		}
		src, ok := sourceParams[p.Name]
		if !ok {
			return nil, fmt.Errorf("source model has no parameter %q", p.Name)
		}
		if err := copyParamValue(p.Name, p.Param, src); err != nil {
			return nil, err
		}
	}

	if opts.InitEmbedding {
		log.Info().Msg("Initializing embedding layers, make sure your shapes match")
		pairs := []struct {
			name     string
			dst, src *nn.Param
		}{
			{"embeddings.patch_embeddings.projection.weight", model.Embeddings.Projection.W, source.Embeddings.Projection.W},
			{"embeddings.patch_embeddings.projection.bias", model.Embeddings.Projection.B, source.Embeddings.Projection.B},
			{"embeddings.position_embeddings", model.Embeddings.PositionEmbeddings, source.Embeddings.PositionEmbeddings},
		}
		for _, pair := range pairs {
			if err := copyParamValue(pair.name, pair.dst, pair.src); err != nil {
				return nil, err
			}
			if err := verifyCopy(pair.name, pair.dst, pair.src.Value()); err != nil {
				return nil, err
			}
		}
	}

	if opts.InitHead {
		if err := copyParamValue("classifier.weight", model.Classifier.W, source.Classifier.W); err != nil {
			return nil, err
		}
		if source.Classifier.B != nil {
			if err := copyParamValue("classifier.bias", model.Classifier.B, source.Classifier.B); err != nil {
				return nil, err
			}
		}
	}

	if !opts.TrainMLP {
		freezeChannelMixers(model)
	}

	result := &Result{Model: model}
	if opts.KeepPretrained {
		result.Pretrained = source
	}
	return result, nil
}

type initializer[T float.DType] struct {
	model  *vision.Model
	family Family
	opts   Options

	root       paramsMap            // checkpoint tensors outside the vision tower
	params     paramsMap            // vision-tower tensors, consumed as they are copied
	targets    map[string]*nn.Param // model parameters under their canonical names
	pretrained map[string]*pytorch.Tensor
}

func (c *initializer[T]) run() error {
	funcs := []func() error{
		c.indexTargetParams,
		c.copyBlocks,
		c.copyEmbeddings,
		c.copyHead,
		c.applyTrainMLP,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// setParams installs the checkpoint tensors, snapshotting them first when
// the caller wants them back, and strips the family prefix off the vision
// tower.
func (c *initializer[T]) setParams(root paramsMap) {
	if c.opts.KeepPretrained {
		c.pretrained = make(map[string]*pytorch.Tensor, len(root))
		for name, tensor := range root {
			c.pretrained[name] = tensor
		}
	}
	c.root = root
	c.params = root
	if p := c.family.Prefix; p != "" {
		c.params = root.fetchPrefixed(p)
	}
}

func (c *initializer[T]) indexTargetParams() error {
	named := c.model.NamedParams()
	c.targets = make(map[string]*nn.Param, len(named))
	for _, p := range named {
		c.targets[p.Name] = p.Param
	}
	return nil
}

func (c *initializer[T]) target(name string) (*nn.Param, error) {
	p, ok := c.targets[name]
	if !ok {
		return nil, fmt.Errorf("model has no parameter %q", name)
	}
	return p, nil
}

func (c *initializer[T]) copyBlocks() error {
	for i := 0; i < c.model.Config.NumHiddenLayers; i++ {
		blockParams := c.params.fetchPrefixed(fmt.Sprintf(c.family.BlockFormat, i))
		if len(blockParams) == 0 {
			return fmt.Errorf("checkpoint has no parameters for block %d", i)
		}
		for _, rule := range c.family.Rules {
			if err := c.copyBlockRule(i, rule, blockParams); err != nil {
				return fmt.Errorf("failed to initialize blocks.%d.%s: %w", i, rule.Target, err)
			}
		}
	}
	return nil
}

// copyBlockRule transfers the weight and bias of one mapped submodule.
func (c *initializer[T]) copyBlockRule(layer int, rule Rule, params paramsMap) error {
	for _, component := range []string{"weight", "bias"} {
		target, err := c.target(fmt.Sprintf("blocks.%d.%s.%s", layer, rule.Target, component))
		if err != nil {
			return err
		}
		value, err := c.fetchLike(params, rule.Source+"."+component, target.Value())
		if err != nil {
			return err
		}
		target.ReplaceValue(value)
	}
	return nil
}

// fetchLike fetches a tensor and converts it to a matrix or vector of the
// same rank and dimensions as the given target value. A vector target only
// accepts a 1-dimensional tensor and a matrix target only a 2-dimensional
// one, so a flattened tensor of the right total size is still rejected.
func (c *initializer[T]) fetchLike(params paramsMap, name string, like mat.Tensor) (mat.Matrix, error) {
	t, err := params.fetch(name)
	if err != nil {
		return nil, err
	}
	rows, cols := dims(like)
	if cols == 1 {
		v, err := tensorToVector[T](t)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		if v.Size() != like.Size() {
			return nil, fmt.Errorf("%q: expected vector size %d, actual %d", name, like.Size(), v.Size())
		}
		return v, nil
	}
	m, err := tensorToMatrix[T](t)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	mr, mc := dims(m)
	if mr != rows || mc != cols {
		return nil, fmt.Errorf("%q: expected matrix size %dx%d, actual %dx%d",
			name, rows, cols, mr, mc)
	}
	return m, nil
}

func (c *initializer[T]) copyEmbeddings() error {
	if !c.opts.InitEmbedding {
		return nil
	}
	rule := c.family.Embeddings
	if rule == nil {
		log.Debug().Str("family", c.family.Name).Msg("Patch geometry is incompatible, keeping fresh embeddings")
		return nil
	}
	log.Info().Msg("Initializing embedding layers, make sure your shapes match")

	projection := c.model.Embeddings.Projection

	weight, err := c.fetchPatchWeight(rule.PatchWeight, projection.W.Value())
	if err != nil {
		return fmt.Errorf("failed to initialize patch projection: %w", err)
	}
	projection.W.ReplaceValue(weight)
	if err := verifyCopy("patch projection weight", projection.W, weight); err != nil {
		return err
	}

	if rule.PatchBias != "" {
		bias, err := c.fetchLike(c.params, rule.PatchBias, projection.B.Value())
		if err != nil {
			return fmt.Errorf("failed to initialize patch projection bias: %w", err)
		}
		projection.B.ReplaceValue(bias)
		if err := verifyCopy("patch projection bias", projection.B, bias); err != nil {
			return err
		}
	}

	positions, err := c.fetchPositions(rule, c.model.Embeddings.PositionEmbeddings.Value())
	if err != nil {
		return fmt.Errorf("failed to initialize position embeddings: %w", err)
	}
	c.model.Embeddings.PositionEmbeddings.ReplaceValue(positions)
	return verifyCopy("position embeddings", c.model.Embeddings.PositionEmbeddings, positions)
}

// fetchPatchWeight accepts either a convolution weight, flattening its
// trailing dimensions, or an already flat projection matrix.
func (c *initializer[T]) fetchPatchWeight(name string, like mat.Tensor) (mat.Matrix, error) {
	t, err := c.params.fetch(name)
	if err != nil {
		return nil, err
	}
	m, err := tensorToFlatMatrix[T](t)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	rows, cols := dims(like)
	mr, mc := dims(m)
	if mr != rows || mc != cols {
		return nil, fmt.Errorf("%q: expected matrix size %dx%d, actual %dx%d",
			name, rows, cols, mr, mc)
	}
	return m, nil
}

// fetchPositions converts the source position table into the model's
// (num_patches, hidden) layout according to the family's declared layout.
func (c *initializer[T]) fetchPositions(rule *EmbeddingRule, like mat.Tensor) (mat.Matrix, error) {
	t, err := c.params.fetch(rule.Positions)
	if err != nil {
		return nil, err
	}
	data, err := tensorData[T](t)
	if err != nil {
		return nil, err
	}

	var rows, cols int
	switch rule.Layout {
	case PositionsBatched:
		if len(t.Size) != 3 || t.Size[0] != 1 {
			return nil, fmt.Errorf("%q: expected size (1, positions, hidden), actual %v", rule.Positions, t.Size)
		}
		rows, cols = t.Size[1], t.Size[2]
	case PositionsTable:
		if len(t.Size) != 2 {
			return nil, fmt.Errorf("%q: expected size (positions, hidden), actual %v", rule.Positions, t.Size)
		}
		rows, cols = t.Size[0], t.Size[1]
	case PositionsTableWithClass:
		if len(t.Size) != 2 || t.Size[0] < 2 {
			return nil, fmt.Errorf("%q: expected size (1+positions, hidden), actual %v", rule.Positions, t.Size)
		}
		// Drop the class-token row.
		rows, cols = t.Size[0]-1, t.Size[1]
		data = data[cols:]
	default:
		return nil, fmt.Errorf("unknown position layout %d", rule.Layout)
	}

	likeRows, likeCols := dims(like)
	if rows != likeRows || cols != likeCols {
		return nil, fmt.Errorf("%q: expected matrix size %dx%d, actual %dx%d",
			rule.Positions, likeRows, likeCols, rows, cols)
	}
	return mat.NewDense[T](mat.WithShape(rows, cols), mat.WithBacking(data)), nil
}

func (c *initializer[T]) copyHead() error {
	if !c.opts.InitHead {
		return nil
	}
	rule := c.family.Head
	if rule == nil {
		log.Debug().Str("family", c.family.Name).Msg("Source family carries no classification head")
		return nil
	}

	classifier := c.model.Classifier

	weight, err := c.fetchLike(c.root, rule.Weight, classifier.W.Value())
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}
	classifier.W.ReplaceValue(weight)

	if rule.Bias == "" {
		return nil
	}
	if _, ok := c.root[rule.Bias]; !ok {
		return nil
	}
	bias, err := c.fetchLike(c.root, rule.Bias, classifier.B.Value())
	if err != nil {
		return fmt.Errorf("failed to initialize classifier bias: %w", err)
	}
	classifier.B.ReplaceValue(bias)
	return nil
}

func (c *initializer[T]) applyTrainMLP() error {
	if c.opts.TrainMLP {
		return nil
	}
	freezeChannelMixers(c.model)
	return nil
}

// freezeChannelMixers disables gradient tracking on every channel-mixer
// parameter.
func freezeChannelMixers(m *vision.Model) {
	for _, p := range m.NamedParams() {
		if strings.Contains(p.Name, "channel_mixer") {
			p.Param.SetRequiresGrad(false)
		}
	}
}

// copyParamValue clones the source value into the destination after a
// dimension check.
func copyParamValue(name string, dst, src *nn.Param) error {
	d, s := dst.Value(), src.Value()
	dr, dc := dims(d)
	sr, sc := dims(s)
	if dr != sr || dc != sc {
		return fmt.Errorf("parameter %q: expected size %dx%d, actual %dx%d",
			name, dr, dc, sr, sc)
	}
	dst.ReplaceValue(s.(mat.Matrix).Clone())
	return nil
}

// verifyCopy re-checks an embedding copy with exact equality. A mismatch
// indicates a layout conversion error and is not recoverable.
func verifyCopy(name string, p *nn.Param, want mat.Tensor) error {
	if !mat.Equal(p.Value(), want) {
		return fmt.Errorf("verification failed for %s: target values differ from source", name)
	}
	return nil
}
