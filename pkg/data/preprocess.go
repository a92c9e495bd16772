// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"
	"math/rand/v2"
)

const (
	// NumBits of color depth used by the model.
	NumBits = 8

	// NumBins is the number of discrete values per color channel, 2^NumBits.
	NumBins = 1 << NumBits

	// MaxTranslateFraction is the largest random translation applied by augmentation, as a
	// fraction of the image side.
	MaxTranslateFraction = 0.1
)

// Preprocess maps a pixel in [0, 255] to the model input range [-0.5, 0.5).
func Preprocess(pixel uint8) float32 {
	return float32(pixel)/NumBins - 0.5
}

// Postprocess maps a model output value back to a pixel: clamp to [-0.5, 0.5], shift to [0, 1],
// scale by NumBins and clamp to [0, 255].
func Postprocess(x float32) uint8 {
	x = min(max(x, -0.5), 0.5) + 0.5
	x *= NumBins
	return uint8(min(max(x, 0), 255))
}

// Augmentation of one example: a translation in pixels and an optional horizontal flip.
type Augmentation struct {
	DeltaH, DeltaW int
	Flip           bool
}

// RandomAugmentation draws a translation of up to MaxTranslateFraction of each side, rounded to
// whole pixels, and (if allowFlip) a horizontal flip with probability 0.5.
func RandomAugmentation(rng *rand.Rand, allowFlip bool) Augmentation {
	maxH := MaxTranslateFraction * Height
	maxW := MaxTranslateFraction * Width
	aug := Augmentation{
		DeltaH: int(math.Round(rng.Float64()*2*maxH - maxH)),
		DeltaW: int(math.Round(rng.Float64()*2*maxW - maxW)),
	}
	if allowFlip {
		aug.Flip = rng.IntN(2) == 1
	}
	return aug
}

// WriteExample preprocesses one example in HWC order into dst, applying the augmentation.
// Pixels translated in from outside the image are black (0).
func WriteExample(pixels []uint8, aug Augmentation, dst []float32) {
	black := Preprocess(0)
	pos := 0
	for h := 0; h < Height; h++ {
		srcH := h - aug.DeltaH
		for w := 0; w < Width; w++ {
			srcW := w
			if aug.Flip {
				srcW = Width - 1 - w
			}
			srcW -= aug.DeltaW
			if srcH < 0 || srcH >= Height || srcW < 0 || srcW >= Width {
				for d := 0; d < Depth; d++ {
					dst[pos] = black
					pos++
				}
				continue
			}
			srcPos := (srcH*Width + srcW) * Depth
			for d := 0; d < Depth; d++ {
				dst[pos] = Preprocess(pixels[srcPos+d])
				pos++
			}
		}
	}
}
