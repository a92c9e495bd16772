// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Size of the rendered plots.
var (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// SaveLossPlot plots the metrics of type "loss" per epoch, one line per metric, and saves it to filePath.
// The image format is given by the file extension.
func SaveLossPlot(points Points, filePath string) error {
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	var numLines int
	for _, name := range points.MetricsNames() {
		steps, values := points.Series(name)
		if len(steps) == 0 || metricType(points, name) != metrics.LossMetricType {
			continue
		}
		xys := make(plotter.XYs, len(steps))
		for ii := range steps {
			xys[ii] = plotter.XY{X: steps[ii], Y: values[ii]}
		}
		line, scatter, err := plotter.NewLinePoints(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting metric %q", name)
		}
		line.Color = plotutil.Color(numLines)
		scatter.Color = line.Color
		scatter.Shape = plotutil.Shape(numLines)
		p.Add(line, scatter)
		p.Legend.Add(name, line, scatter)
		numLines++
	}
	if numLines == 0 {
		return errors.New("no loss metrics to plot")
	}
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}

// metricType returns the type of the named metric.
func metricType(points Points, name string) string {
	var t string
	points.Map(func(p *Point) {
		if p.MetricName == name {
			t = p.MetricType
		}
	})
	return t
}

// DataFrame returns the points as a table: an "epoch" column followed by one column per metric
// (NaN where a metric was not recorded).
func DataFrame(points Points) dataframe.DataFrame {
	steps := points.Steps()
	epochs := make([]int, len(steps))
	stepRow := make(map[float64]int, len(steps))
	for ii, step := range steps {
		epochs[ii] = int(step)
		stepRow[step] = ii
	}
	columns := []series.Series{series.New(epochs, series.Int, "epoch")}
	for _, name := range points.MetricsNames() {
		values := make([]float64, len(steps))
		for ii := range values {
			values[ii] = math.NaN()
		}
		metricSteps, metricValues := points.Series(name)
		for ii, step := range metricSteps {
			values[stepRow[step]] = metricValues[ii]
		}
		columns = append(columns, series.New(values, series.Float, name))
	}
	return dataframe.New(columns...)
}

// SaveCSV writes the points table (see DataFrame) as CSV to filePath.
func SaveCSV(points Points, filePath string) error {
	df := DataFrame(points)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building metrics table")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}
