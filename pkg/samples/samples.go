// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samples draws images from a trained Glow model and saves them as a PNG grid.
package samples

import (
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/glow/pkg/data"
	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// GridPadding is the number of pixels between images in a grid.
var GridPadding = 2

// GenerateGraph generates numSamples images from the prior with the given temperature. Class conditioned
// models get the labels of class, or cycle through the classes if class is negative.
func GenerateGraph(ctx *context.Context, g *Graph, model *glow.Model, numSamples int, temperature float64, class int) *Node {
	var yOneHot *Node
	if cfg := model.Config(); cfg.YCondition {
		if class >= cfg.NumClasses {
			exceptions.Panicf("class %d out of range for a model with %d classes", class, cfg.NumClasses)
		}
		var classes *Node
		if class < 0 {
			classes = ModScalar(Iota(g, shapes.Make(dtypes.Int32, numSamples), 0), float64(cfg.NumClasses))
		} else {
			classes = Const(g, slices.Repeat([]int32{int32(class)}, numSamples))
		}
		yOneHot = OneHot(classes, cfg.NumClasses, dtypes.Float32)
	}
	return model.Reverse(ctx, g, nil, yOneHot, temperature, numSamples)
}

// Generator draws batches of images from a model. The graph is compiled once.
type Generator struct {
	exec       *context.Exec
	numSamples int
}

// NewGenerator creates a Generator of numSamples images per call, with the given temperature. class is
// used by class conditioned models (see GenerateGraph).
func NewGenerator(backend backends.Backend, ctx *context.Context, model *glow.Model, numSamples int,
	temperature float64, class int) (*Generator, error) {
	if numSamples <= 0 {
		return nil, errors.Errorf("invalid number of samples %d", numSamples)
	}
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return GenerateGraph(ctx, g, model, numSamples, temperature, class)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating samples generator")
	}
	return &Generator{exec: exec, numSamples: numSamples}, nil
}

// Generate a batch of images, shaped [numSamples, height, width, channels].
func (gen *Generator) Generate() (*tensors.Tensor, error) {
	outputs, err := gen.exec.Exec()
	if err != nil {
		return nil, errors.WithMessage(err, "generating samples")
	}
	return outputs[0], nil
}

// ToImages converts generated images (float32 shaped [batch, height, width, channels], with 1 or 3
// channels) to 8-bit images, mapping each value with data.Postprocess.
func ToImages(t *tensors.Tensor) ([]*image.NRGBA, error) {
	if t.Rank() != 4 || t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("expected float32 images shaped [batch, height, width, channels], got %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("images must have 1 or 3 channels, got %s", t.Shape())
	}
	imgs := make([]*image.NRGBA, batch)
	tensors.MustConstFlatData[float32](t, func(flat []float32) {
		pos := 0
		for ii := range imgs {
			img := image.NewNRGBA(image.Rect(0, 0, width, height))
			for h := range height {
				for w := range width {
					var c color.NRGBA
					if channels == 1 {
						v := data.Postprocess(flat[pos])
						c = color.NRGBA{R: v, G: v, B: v, A: 255}
					} else {
						c = color.NRGBA{R: data.Postprocess(flat[pos]), G: data.Postprocess(flat[pos+1]),
							B: data.Postprocess(flat[pos+2]), A: 255}
					}
					img.SetNRGBA(w, h, c)
					pos += channels
				}
			}
			imgs[ii] = img
		}
	})
	return imgs, nil
}

// Grid pastes the images, all of the same size, in a grid with numCols columns (a square grid if
// numCols <= 0), separated by GridPadding pixels.
func Grid(imgs []*image.NRGBA, numCols int) *image.NRGBA {
	if len(imgs) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	if numCols <= 0 {
		numCols = int(math.Ceil(math.Sqrt(float64(len(imgs)))))
	}
	numRows := (len(imgs) + numCols - 1) / numCols
	size := imgs[0].Bounds().Size()
	grid := imaging.New(numCols*size.X+(numCols+1)*GridPadding, numRows*size.Y+(numRows+1)*GridPadding,
		color.NRGBA{A: 255})
	for ii, img := range imgs {
		row, col := ii/numCols, ii%numCols
		pos := image.Pt(GridPadding+col*(size.X+GridPadding), GridPadding+row*(size.Y+GridPadding))
		grid = imaging.Paste(grid, img, pos)
	}
	return grid
}

// SaveGrid converts the generated images t (see ToImages) to a grid (see Grid) and saves it to
// filePath. The format is given by the file extension.
func SaveGrid(t *tensors.Tensor, filePath string, numCols int) error {
	imgs, err := ToImages(t)
	if err != nil {
		return err
	}
	return SaveImagesGrid(imgs, filePath, numCols)
}

// SaveImagesGrid saves the images in a grid (see Grid) to filePath.
func SaveImagesGrid(imgs []*image.NRGBA, filePath string, numCols int) error {
	if err := imaging.Save(Grid(imgs, numCols), filePath); err != nil {
		return errors.Wrapf(err, "saving images to %q", filePath)
	}
	return nil
}

// SaveReferenceGrid saves the first n examples of images in a grid, for comparison with the samples.
func SaveReferenceGrid(images *data.Images, n int, filePath string) error {
	images = images.Take(n)
	imgs := make([]*image.NRGBA, images.NumExamples())
	for ii := range imgs {
		imgs[ii] = images.ToImage(ii)
	}
	return SaveImagesGrid(imgs, filePath, 0)
}
