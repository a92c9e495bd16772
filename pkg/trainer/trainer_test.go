// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/glow/pkg/objectives"
	"github.com/gomlx/glow/ui/console"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestConfig(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, cfg.BatchSize)
	assert.Equal(t, 150, cfg.EvalBatchSize)
	assert.Equal(t, 250, cfg.Epochs)
	assert.Equal(t, 5e-4, cfg.LearningRate)
	assert.Equal(t, 0.5, cfg.MaxGradClip)
	assert.Equal(t, 1.0, cfg.MaxGradNorm)
	assert.Equal(t, 5e-5, cfg.WeightDecay)
	assert.Equal(t, ObjectiveEnergy, cfg.Objective)
	assert.Equal(t, 0.3, cfg.EnergyTemperature)
	assert.True(t, cfg.Augment)
	assert.Equal(t, 5.0, cfg.Warmup)
	assert.Equal(t, optimizers.ParamLearningRate, ParamLearningRate)

	modelCfg, err := glow.ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, glow.DefaultConfig(), modelCfg)

	ctx.SetParam(ParamEvalBatchSize, 0)
	cfg, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.BatchSize, cfg.EvalBatchSize)

	for _, settings := range []map[string]any{
		{ParamBatchSize: 0},
		{ParamObjective: "mse"},
		{ParamNumInitBatches: 0},
		{ParamEnergyTemperature: 0.0},
		{ParamLearningRate: -1.0},
	} {
		ctx := CreateDefaultContext()
		ctx.SetParams(settings)
		_, err := ConfigFromContext(ctx)
		assert.Errorf(t, err, "settings %v should be invalid", settings)
	}
}

func TestWarmupFactor(t *testing.T) {
	assert.InDelta(t, 0.2, WarmupFactor(0, 5), 1e-12)
	assert.InDelta(t, 0.8, WarmupFactor(3, 5), 1e-12)
	assert.Equal(t, 1.0, WarmupFactor(4, 5))
	assert.Equal(t, 1.0, WarmupFactor(100, 5))
	assert.Equal(t, 1.0, WarmupFactor(0, 0))
	assert.InDelta(t, 0.4, WarmupFactor(0, 2.5), 1e-12)
	assert.InDelta(t, 0.8, WarmupFactor(1, 2.5), 1e-12)
	assert.Equal(t, 1.0, WarmupFactor(2, 2.5))
}

func TestClipGradients(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ClipGradients", func(g *Graph) (inputs, outputs []*Node) {
		g0 := Const(g, []float32{3, -0.2})
		g1 := Const(g, [][]float32{{4}})
		inputs = []*Node{g0, g1}
		byValue := ClipGradients([]*Node{g0, g1}, 0.5, 0)
		byNorm := ClipGradients([]*Node{g0, g1}, 0, 1)
		none := ClipGradients([]*Node{g0, g1}, 0, 0)
		small := ClipGradients([]*Node{g0, g1}, 0, 100)
		outputs = []*Node{byValue[0], byValue[1], byNorm[0], byNorm[1], none[0], small[1]}
		return
	}, []any{
		[]float32{0.5, -0.2},
		[][]float32{{0.5}},
		[]float32{3 / 5.004, -0.2 / 5.004},
		[][]float32{{4 / 5.004}},
		[]float32{3, -0.2},
		[][]float32{{4}},
	}, 1e-4)
}

func TestAddWeightDecay(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AddWeightDecay", func(g *Graph) (inputs, outputs []*Node) {
		grad := Const(g, []float32{1, 2})
		value := Const(g, []float32{10, -20})
		inputs = []*Node{grad, value}
		outputs = []*Node{
			AddWeightDecay([]*Node{grad}, []*Node{value}, 0.5)[0],
			AddWeightDecay([]*Node{grad}, []*Node{value}, 0)[0],
		}
		return
	}, []any{[]float32{6, -8}, []float32{1, 2}}, 1e-6)
}

func TestOptimizer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.VariableWithValue("w", []float32{3, -4})
	cfg := Config{LearningRate: 0.1, MaxGradNorm: 1}
	opt := NewOptimizer(cfg)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := ctx.GetVariable("w").ValueGraph(g)
		loss := ReduceAllSum(Square(w))
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	for range 3 {
		exec.MustExec()
	}
	w := tensors.MustCopyFlatData[float32](ctx.GetVariable("w").MustValue())
	// Adamax steps are bounded by the learning rate.
	assert.Less(t, w[0], float32(3))
	assert.GreaterOrEqual(t, w[0], float32(3-3*0.1-1e-3))
	assert.Greater(t, w[1], float32(-4))
	assert.LessOrEqual(t, w[1], float32(-4+3*0.1+1e-3))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))

	SetLearningRate(ctx, 0.01)
	lr := optimizers.LearningRateVar(ctx, dtypes.Float32, 0).MustValue()
	assert.InDelta(t, 0.01, tensors.ToScalar[float32](lr), 1e-9)
}

func TestPrepareOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	require.NoError(t, PrepareOutputDir(dir, false))
	require.DirExists(t, dir)

	// Empty directory is accepted.
	require.NoError(t, PrepareOutputDir(dir, false))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "previous.txt"), []byte("x"), 0o644))
	err := PrepareOutputDir(dir, false)
	require.ErrorIs(t, err, ErrOutputDirNotEmpty)
	assert.Contains(t, err.Error(), "Alternatively, pass the --fresh flag.")

	require.NoError(t, PrepareOutputDir(dir, true))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveSeed(t *testing.T) {
	assert.Equal(t, 17, ResolveSeed(17))
	for range 100 {
		seed := ResolveSeed(0)
		assert.GreaterOrEqual(t, seed, 1)
		assert.LessOrEqual(t, seed, maxRandomSeed)
	}
}

func TestWriteHParams(t *testing.T) {
	dir := t.TempDir()
	runID, err := WriteHParams(dir, map[string]any{
		"lr":         5e-4,
		"fresh":      true,
		"dataset":    "cifar10",
		"batch_size": 150,
	}, 42)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	contents, err := os.ReadFile(filepath.Join(dir, HParamsFile))
	require.NoError(t, err)
	text := string(contents)
	assert.NotContains(t, text, "fresh")
	assert.Contains(t, text, "\n    \"batch_size\": 150,")
	assert.Less(t, strings.Index(text, "batch_size"), strings.Index(text, "dataset"))
	assert.Less(t, strings.Index(text, "run_id"), strings.Index(text, "seed"))

	hparams, err := ReadHParams(dir)
	require.NoError(t, err)
	assert.Equal(t, runID, hparams["run_id"])
	assert.Equal(t, 42.0, hparams["seed"])
	assert.Equal(t, "cifar10", hparams["dataset"])

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(contents, &raw))
	assert.Len(t, raw, 5)
}

// smallContext returns the context of a tiny model over 8x8 images.
func smallContext(yCondition bool, objective string) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		glow.ParamImageHeight:    8,
		glow.ParamImageWidth:     8,
		glow.ParamImageChannels:  3,
		glow.ParamHiddenChannels: 8,
		glow.ParamK:              1,
		glow.ParamL:              2,
		glow.ParamYCondition:     yCondition,
		ParamBatchSize:           4,
		ParamObjective:           objective,
		ParamEnergySamples:       3,
		ParamLearningRate:        1e-3,
	})
	return ctx
}

// randomBatch returns images in [-0.5, 0.5) and one-hot labels.
func randomBatch(seed uint64, batchSize int) (x, y *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(seed, 3))
	images := make([]float32, batchSize*8*8*3)
	for ii := range images {
		images[ii] = float32(rng.IntN(256))/256 - 0.5
	}
	labels := make([]float32, batchSize*10)
	for ii := range batchSize {
		labels[ii*10+rng.IntN(10)] = 1
	}
	return tensors.FromFlatDataAndDimensions(images, batchSize, 8, 8, 3),
		tensors.FromFlatDataAndDimensions(labels, batchSize, 10)
}

func requireFiniteScalar(t *testing.T, tensor *tensors.Tensor) float64 {
	v := shapes.ConvertTo[float64](tensor.Value())
	require.Falsef(t, math.IsNaN(v) || math.IsInf(v, 0), "value is %g", v)
	return v
}

func TestLossesGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		name       string
		yCondition bool
		objective  string
	}{
		{"energy", false, ObjectiveEnergy},
		{"nll", false, ObjectiveNLL},
		{"y_condition", true, ObjectiveEnergy},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := smallContext(tc.yCondition, tc.objective)
			cfg, err := ConfigFromContext(ctx)
			require.NoError(t, err)
			model, err := glow.New(ctx)
			require.NoError(t, err)
			x, y := randomBatch(1, 4)
			outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, x, y *Node) []*Node {
				losses := LossesGraph(ctx, model, cfg, x, y)
				return presentLosses(losses)
			}, x, y)
			for _, output := range outputs {
				assert.True(t, output.Shape().IsScalar())
				requireFiniteScalar(t, output)
			}
			switch {
			case tc.yCondition:
				// NLL, classification loss and total loss.
				require.Len(t, outputs, 3)
				// Class head is zero initialized: uniform logits.
				assert.InDelta(t, math.Log(10), shapes.ConvertTo[float64](outputs[1].Value()), 1e-4)
			case tc.objective == ObjectiveEnergy:
				require.Len(t, outputs, 2)
				assert.Greater(t, shapes.ConvertTo[float64](outputs[0].Value()), 0.0)
			default:
				require.Len(t, outputs, 2)
			}
		})
	}
}

// presentLosses returns the non-nil losses, in the order NLL, LossClasses, Energy, TotalLoss.
func presentLosses(losses objectives.Losses) []*Node {
	var nodes []*Node
	for _, node := range []*Node{losses.NLL, losses.LossClasses, losses.Energy, losses.TotalLoss} {
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func TestTrainSteps(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training steps in short mode")
	}
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		name       string
		yCondition bool
		objective  string
		reported   []string
	}{
		{"energy", false, ObjectiveEnergy, []string{"total_loss"}},
		{"nll", false, ObjectiveNLL, []string{"total_loss"}},
		{"y_condition", true, ObjectiveNLL, []string{"total_loss", "nll"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := smallContext(tc.yCondition, tc.objective)
			cfg, err := ConfigFromContext(ctx)
			require.NoError(t, err)
			model, err := glow.New(ctx)
			require.NoError(t, err)

			x, y := randomBatch(7, 8)
			context.MustExecOnce(backend, ctx, func(ctx *context.Context, x, y *Node) *Node {
				return model.InitActNormGraph(ctx, x, y)
			}, x, y)

			trainMetrics, evalMetrics := Metrics(model)
			trainer := train.NewTrainer(backend, ctx.Checked(false), ModelFn(model, cfg), totalLoss,
				NewOptimizer(cfg), trainMetrics, evalMetrics)
			for step := range 3 {
				x, y := randomBatch(uint64(10+step), 4)
				_, labels := randomBatch(uint64(10+step), 4)
				values, err := trainer.TrainStep(nil, []*tensors.Tensor{x, y}, []*tensors.Tensor{labels})
				require.NoError(t, err)
				require.Len(t, values, len(trainer.TrainMetrics()))
				for _, v := range values {
					requireFiniteScalar(t, v)
				}
			}
			assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))

			evalDescs := trainer.EvalMetrics()
			evalValues := make([]*tensors.Tensor, len(evalDescs))
			for ii := range evalValues {
				evalValues[ii] = tensors.FromScalar(float32(ii))
			}
			var names []string
			for _, result := range evalResults(evalDescs, evalValues) {
				names = append(names, result.Name)
			}
			assert.Equal(t, tc.reported, names)
		})
	}
}

func TestEvalResults(t *testing.T) {
	descs := []metrics.Interface{
		metrics.NewMeanMetric("Mean Loss+Regularization", "#loss+", metrics.LossMetricType, nil, nil),
		metrics.NewMeanMetric("Mean Loss", "#loss", metrics.LossMetricType, nil, nil),
		metrics.NewMeanMetric("Mean NLL", "#nll", metrics.LossMetricType, nil, nil),
	}
	values := []*tensors.Tensor{tensors.FromScalar(float32(7)), tensors.FromScalar(float32(5)),
		tensors.FromScalar(float32(3.5))}
	assert.Equal(t, []console.Result{{Name: "total_loss", Value: 5}, {Name: "nll", Value: 3.5}},
		evalResults(descs, values))

	// Without class conditioning there is no NLL metric.
	assert.Equal(t, []console.Result{{Name: "total_loss", Value: 5}}, evalResults(descs[:2], values[:2]))
}

func TestNLLMovingAverage(t *testing.T) {
	ctx := smallContext(true, ObjectiveNLL)
	model, err := glow.New(ctx)
	require.NoError(t, err)
	trainMetrics, _ := Metrics(model)
	require.Len(t, trainMetrics, 1)
	require.Equal(t, "~nll", trainMetrics[0].ShortName())

	backend := graphtest.BuildTestBackend()
	update := context.MustNewExec(backend, ctx, func(ctx *context.Context, nll *Node) *Node {
		return trainMetrics[0].UpdateGraph(ctx, nil, []*Node{nll, nll})
	})
	// The first 50 updates average all values seen; from then on each new value weighs 0.02.
	var value float64
	for step := range 51 {
		nll := float32(0)
		if step == 50 {
			nll = 1
		}
		value = shapes.ConvertTo[float64](update.MustExec1(nll).Value())
	}
	assert.InDelta(t, 0.02, value, 1e-6)
}

func TestEpochsCompletedVar(t *testing.T) {
	ctx := context.New()
	v := EpochsCompletedVar(ctx)
	assert.Equal(t, int64(0), tensors.ToScalar[int64](v.MustValue()))
	v.MustSetValue(tensors.FromScalar(int64(4)))
	assert.Equal(t, int64(4), tensors.ToScalar[int64](EpochsCompletedVar(ctx).MustValue()))
}
