// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"unsafe"

	"github.com/pkg/errors"
)

// Images holds a partition of a dataset in host memory.
type Images struct {
	// Name of the partition, e.g. "cifar10-train".
	Name string

	// Pixels of all images, each one Height*Width*Depth bytes in HWC order.
	Pixels []uint8

	// Labels of all images, from 0 to NumClasses-1.
	Labels []int
}

// NewImages allocates storage for n images.
func NewImages(name string, n int) *Images {
	return &Images{
		Name:   name,
		Pixels: make([]uint8, n*imageSizeBytes),
		Labels: make([]int, n),
	}
}

// NumExamples in the partition.
func (im *Images) NumExamples() int {
	return len(im.Labels)
}

// Memory used by the partition, in bytes.
func (im *Images) Memory() uintptr {
	return uintptr(len(im.Pixels)) + uintptr(len(im.Labels))*unsafe.Sizeof(int(0))
}

// Example returns the pixels of the example idx. The slice shares storage with Images.
func (im *Images) Example(idx int) []uint8 {
	return im.Pixels[idx*imageSizeBytes : (idx+1)*imageSizeBytes]
}

// Take returns the first n examples. The returned Images shares storage with im.
func (im *Images) Take(n int) *Images {
	if n >= im.NumExamples() {
		return im
	}
	return &Images{
		Name:   im.Name,
		Pixels: im.Pixels[:n*imageSizeBytes],
		Labels: im.Labels[:n],
	}
}

// Validate checks that pixels and labels are consistent.
func (im *Images) Validate() error {
	if len(im.Pixels) != len(im.Labels)*imageSizeBytes {
		return errors.Errorf("%s: %d bytes of pixels for %d labels, wanted %d bytes",
			im.Name, len(im.Pixels), len(im.Labels), len(im.Labels)*imageSizeBytes)
	}
	for ii, label := range im.Labels {
		if label < 0 || label >= NumClasses {
			return errors.Errorf("%s: example #%d has invalid label %d", im.Name, ii, label)
		}
	}
	return nil
}

// ToImage converts example idx to a Go image.
func (im *Images) ToImage(idx int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	pixels := im.Example(idx)
	pos := 0
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				img.Pix[h*img.Stride+w*4+d] = pixels[pos]
				pos++
			}
			img.Pix[h*img.Stride+w*4+3] = 255
		}
	}
	return img
}
