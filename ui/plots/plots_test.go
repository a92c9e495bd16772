// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoints() []Point {
	return []Point{
		{MetricName: "Train: Moving Average Loss", Short: "T/~loss", MetricType: "loss", Step: 2, Value: 3.5},
		{MetricName: "Eval: Mean Loss", Short: "E/#loss", MetricType: "loss", Step: 1, Value: 4.25},
		{MetricName: "Train: Moving Average Loss", Short: "T/~loss", MetricType: "loss", Step: 1, Value: 4},
		{MetricName: "Eval: Accuracy", Short: "E/acc", MetricType: "accuracy", Step: 2, Value: 0.5},
	}
}

func TestPoints(t *testing.T) {
	points := NewPoints(testPoints())
	assert.Equal(t, []float64{1, 2}, points.Steps())
	assert.Equal(t, []string{"Eval: Accuracy", "Eval: Mean Loss", "Train: Moving Average Loss"},
		points.MetricsNames())

	steps, values := points.Series("Train: Moving Average Loss")
	assert.Equal(t, []float64{1, 2}, steps)
	assert.Equal(t, []float64{4, 3.5}, values)

	extracted := points.Extract()
	require.Len(t, extracted, 4)
	assert.Equal(t, 1.0, extracted[0].Step)
	assert.Equal(t, 2.0, extracted[3].Step)

	table := points.TableForMetrics("Eval: Mean Loss")
	assert.Contains(t, table, "Epoch")
	assert.Contains(t, table, "4.2500")
	assert.NotContains(t, table, "3.5000")
}

func TestAppendAndLoadPoints(t *testing.T) {
	dir := t.TempDir()
	raw := testPoints()
	path := filepath.Join(dir, TrainingPlotFileName)
	require.NoError(t, AppendPoints(path, raw[:2]))
	require.NoError(t, AppendPoints(path, raw[2:]))
	loaded, err := LoadPointsFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, raw, loaded)

	_, err = LoadPoints(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestDataFrame(t *testing.T) {
	df := DataFrame(NewPoints(testPoints()))
	require.NoError(t, df.Err)
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []string{"epoch", "Eval: Accuracy", "Eval: Mean Loss", "Train: Moving Average Loss"}, df.Names())
	assert.True(t, math.IsNaN(df.Col("Eval: Accuracy").Float()[0]))
	assert.Equal(t, 0.5, df.Col("Eval: Accuracy").Float()[1])

	path := filepath.Join(t.TempDir(), MetricsCSVFileName)
	require.NoError(t, SaveCSV(NewPoints(testPoints()), path))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "epoch,"))
}

func TestSaveLossPlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LossPlotFileName)
	require.NoError(t, SaveLossPlot(NewPoints(testPoints()), path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	onlyAccuracy := NewPoints(testPoints()[3:])
	require.Error(t, SaveLossPlot(onlyAccuracy, filepath.Join(dir, "accuracy.png")))
}

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	trainDescs := []metrics.Interface{
		metrics.NewMeanMetric("Batch Loss", "loss", metrics.LossMetricType, nil, nil),
		metrics.NewMeanMetric("Moving Average Loss", "~loss", metrics.LossMetricType, nil, nil),
	}
	evalDescs := []metrics.Interface{
		metrics.NewMeanMetric("Mean Loss", "#loss", metrics.LossMetricType, nil, nil),
	}
	recorder, err := NewRecorder(dir)
	require.NoError(t, err)
	for epoch := 1; epoch <= 2; epoch++ {
		trainValues := []*tensors.Tensor{tensors.FromScalar(float32(10)), tensors.FromScalar(float32(5 - epoch))}
		evalValue := float32(6 - epoch)
		if epoch == 2 {
			evalValue = float32(math.NaN())
		}
		require.NoError(t, recorder.AddEpoch(epoch, trainDescs, trainValues, evalDescs,
			[]*tensors.Tensor{tensors.FromScalar(evalValue)}))
	}
	require.NoError(t, recorder.Render())

	points := recorder.Points()
	assert.Equal(t, []string{"Eval: Mean Loss", "Train: Moving Average Loss"}, points.MetricsNames())
	steps, _ := points.Series("Eval: Mean Loss")
	assert.Equal(t, []float64{1}, steps)
	_, values := points.Series("Train: Moving Average Loss")
	assert.Equal(t, []float64{4, 3}, values)
	assert.FileExists(t, filepath.Join(dir, LossPlotFileName))
	assert.FileExists(t, filepath.Join(dir, MetricsCSVFileName))

	// A new recorder picks up the points of the previous run.
	resumed, err := NewRecorder(dir)
	require.NoError(t, err)
	assert.Equal(t, points.Extract(), resumed.Points().Extract())
}
