// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files rendered by Recorder.Render.
const (
	LossPlotFileName   = "loss.png"
	MetricsCSVFileName = "metrics.csv"
)

// batchLossName is the train metric that is not recorded: it fluctuates a lot from batch to batch,
// and the moving average of the loss is always included.
const batchLossName = "Batch Loss"

// Recorder saves the metrics of each epoch in dir, and renders them.
type Recorder struct {
	dir    string
	points []Point
}

// NewRecorder creates a Recorder for the output directory dir. Points previously saved in dir (from
// an earlier run) are loaded, so the plots cover the whole training.
func NewRecorder(dir string) (*Recorder, error) {
	r := &Recorder{dir: dir}
	path := filepath.Join(dir, TrainingPlotFileName)
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checking for plots file %q", path)
	}
	if exists {
		if r.points, err = LoadPoints(path); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Points recorded so far.
func (r *Recorder) Points() Points {
	return NewPoints(r.points)
}

// AddEpoch records the train and eval metrics of the epoch (1-based), given the metrics descriptions
// (train.Trainer.TrainMetrics and EvalMetrics) and their values. Non-finite values are skipped.
func (r *Recorder) AddEpoch(epoch int, trainDescs []metrics.Interface, trainValues []*tensors.Tensor,
	evalDescs []metrics.Interface, evalValues []*tensors.Tensor) error {
	var newPoints []Point
	add := func(prefix, shortPrefix string, desc metrics.Interface, value *tensors.Tensor) {
		v := shapes.ConvertTo[float64](value.Value())
		if math.IsNaN(v) || math.IsInf(v, 0) {
			klog.Warningf("epoch %d: metric %q is %g, not recorded", epoch, desc.Name(), v)
			return
		}
		newPoints = append(newPoints, Point{
			MetricName: prefix + desc.Name(),
			Short:      shortPrefix + desc.ShortName(),
			MetricType: desc.MetricType(),
			Step:       float64(epoch),
			Value:      v,
		})
	}
	for ii, desc := range trainDescs {
		if desc.Name() == batchLossName || ii >= len(trainValues) {
			continue
		}
		add("Train: ", "T/", desc, trainValues[ii])
	}
	for ii, desc := range evalDescs {
		if ii >= len(evalValues) {
			break
		}
		add("Eval: ", "E/", desc, evalValues[ii])
	}
	if err := AppendPoints(filepath.Join(r.dir, TrainingPlotFileName), newPoints); err != nil {
		return err
	}
	r.points = append(r.points, newPoints...)
	return nil
}

// Render writes loss.png and metrics.csv in the output directory.
func (r *Recorder) Render() error {
	points := r.Points()
	if len(points) == 0 {
		return nil
	}
	if err := SaveLossPlot(points, filepath.Join(r.dir, LossPlotFileName)); err != nil {
		return errors.WithMessage(err, "rendering loss plot")
	}
	if err := SaveCSV(points, filepath.Join(r.dir, MetricsCSVFileName)); err != nil {
		return errors.WithMessage(err, "exporting metrics")
	}
	return nil
}
