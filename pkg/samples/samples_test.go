// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samples

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/glow/pkg/data"
	"github.com/gomlx/glow/pkg/glow"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToImages(t *testing.T) {
	rgb := tensors.FromFlatDataAndDimensions([]float32{-0.5, 0, 0.5, 1, -1, 0.25}, 1, 1, 2, 3)
	imgs, err := ToImages(rgb)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	assert.Equal(t, 2, imgs[0].Bounds().Dx())
	assert.Equal(t, 1, imgs[0].Bounds().Dy())
	assert.Equal(t, color.NRGBA{R: 0, G: 128, B: 255, A: 255}, imgs[0].NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 0, B: 192, A: 255}, imgs[0].NRGBAAt(1, 0))

	gray := tensors.FromFlatDataAndDimensions([]float32{0, -0.5}, 2, 1, 1, 1)
	imgs, err = ToImages(gray)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, color.NRGBA{R: 128, G: 128, B: 128, A: 255}, imgs[0].NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{A: 255}, imgs[1].NRGBAAt(0, 0))

	_, err = ToImages(tensors.FromFlatDataAndDimensions(make([]float32, 4), 1, 1, 2, 2))
	require.Error(t, err)
	_, err = ToImages(tensors.FromFlatDataAndDimensions(make([]float32, 3), 1, 3))
	require.Error(t, err)
}

func TestGrid(t *testing.T) {
	img := imaging.New(4, 3, color.NRGBA{R: 255, A: 255})
	imgs := []*image.NRGBA{img, img, img, img, img}
	grid := Grid(imgs, 0)
	// 3 columns and 2 rows, with padding around every image.
	assert.Equal(t, 3*4+4*GridPadding, grid.Bounds().Dx())
	assert.Equal(t, 2*3+3*GridPadding, grid.Bounds().Dy())
	assert.Equal(t, color.NRGBA{A: 255}, grid.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, grid.NRGBAAt(GridPadding, GridPadding))

	grid = Grid(imgs, 5)
	assert.Equal(t, 5*4+6*GridPadding, grid.Bounds().Dx())
	assert.Equal(t, 3+2*GridPadding, grid.Bounds().Dy())

	assert.True(t, Grid(nil, 0).Bounds().Empty())
}

func TestSaveGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.png")
	images := tensors.FromFlatDataAndDimensions(make([]float32, 4*2*2*3), 4, 2, 2, 3)
	require.NoError(t, SaveGrid(images, path, 0))
	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2*2+3*GridPadding, img.Bounds().Dx())
	assert.Equal(t, 2*2+3*GridPadding, img.Bounds().Dy())
}

func smallModel(t *testing.T, yCondition bool) (*context.Context, *glow.Model) {
	ctx := context.New()
	glow.SetDefaultParams(ctx)
	ctx.SetParams(map[string]any{
		glow.ParamImageHeight:    8,
		glow.ParamImageWidth:     8,
		glow.ParamImageChannels:  3,
		glow.ParamHiddenChannels: 8,
		glow.ParamK:              1,
		glow.ParamL:              2,
		glow.ParamYCondition:     yCondition,
	})
	model, err := glow.New(ctx)
	require.NoError(t, err)
	return ctx, model
}

func TestGenerator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, yCondition := range []bool{false, true} {
		ctx, model := smallModel(t, yCondition)
		gen, err := NewGenerator(backend, ctx, model, 5, 0.7, -1)
		require.NoError(t, err)
		for range 2 {
			imgs, err := gen.Generate()
			require.NoError(t, err)
			assert.Equal(t, []int{5, 8, 8, 3}, imgs.Shape().Dimensions)
			imgs.MustFinalizeAll()
		}
	}

	ctx, model := smallModel(t, false)
	_, err := NewGenerator(backend, ctx, model, 0, 0.7, -1)
	require.Error(t, err)
}

func TestGenerateGraphClass(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, model := smallModel(t, true)
	imgs := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return GenerateGraph(ctx, g, model, 3, 0, 2)
	})
	// With temperature 0 all samples of the same class are the mean of its prior.
	flat := tensors.MustCopyFlatData[float32](imgs)
	size := len(flat) / 3
	assert.InDeltaSlice(t, flat[:size], flat[size:2*size], 1e-5)
	assert.InDeltaSlice(t, flat[:size], flat[2*size:], 1e-5)

	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
			return GenerateGraph(ctx, g, model, 3, 0, 10)
		})
	})
}

func TestSaveReferenceGrid(t *testing.T) {
	images := data.NewImages("test", 3)
	for ii := range images.Labels {
		images.Labels[ii] = ii
	}
	path := filepath.Join(t.TempDir(), "reference.png")
	require.NoError(t, SaveReferenceGrid(images, 10, path))
	img, err := imaging.Open(path)
	require.NoError(t, err)
	// 3 images in a 2x2 grid.
	assert.Equal(t, 2*data.Width+3*GridPadding, img.Bounds().Dx())
	assert.Equal(t, 2*data.Height+3*GridPadding, img.Bounds().Dy())
}
