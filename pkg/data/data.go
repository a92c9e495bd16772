// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data loads the image datasets used to train Glow (CIFAR-10 and SVHN) into host memory,
// and serves them as batches of preprocessed (and optionally augmented) images for training and
// evaluation.
//
// Images are stored as raw uint8 pixels in HWC order. Batches are float32 tensors shaped
// [batch_size, 32, 32, 3] with values in [-0.5, 0.5), and labels are one-hot float32 tensors shaped
// [batch_size, 10].
package data

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of a supported dataset.
type Name string

const (
	Cifar10 Name = "cifar10"
	SVHN    Name = "svhn"
)

// Names lists the valid dataset names, in the order shown to users.
var Names = []Name{Cifar10, SVHN}

// ParseName validates a dataset name given by the user.
func ParseName(s string) (Name, error) {
	name := Name(s)
	if !slices.Contains(Names, name) {
		return "", errors.Errorf("invalid dataset %q, valid choices are %q", s, Names)
	}
	return name, nil
}

// Image dimensions, shared by all supported datasets.
const (
	Height = 32
	Width  = 32
	Depth  = 3

	// NumClasses for both CIFAR-10 and SVHN.
	NumClasses = 10

	imageSizeBytes = Height * Width * Depth
)

// Info describes a loaded dataset.
type Info struct {
	Name Name

	// ImageShape is [Height, Width, Depth].
	ImageShape [3]int

	NumClasses int

	// Flip indicates whether horizontal flips are a valid augmentation for the dataset.
	Flip bool
}

// Load the train and test partitions of the named dataset from dataroot.
//
// If the files are missing and download is true, they are downloaded first.
func Load(name Name, dataroot string, download bool) (info Info, trainImages, testImages *Images, err error) {
	dataroot, err = fsutil.ReplaceTildeInDir(dataroot)
	if err != nil {
		return
	}
	info = Info{Name: name, ImageShape: [3]int{Height, Width, Depth}, NumClasses: NumClasses}
	switch name {
	case Cifar10:
		info.Flip = true
		trainImages, testImages, err = LoadCifar10(dataroot, download)
	case SVHN:
		trainImages, testImages, err = LoadSVHN(dataroot, download)
	default:
		err = errors.Errorf("invalid dataset %q, valid choices are %q", name, Names)
	}
	if err != nil {
		err = errors.WithMessagef(err, "loading dataset %q from %q", name, dataroot)
		return
	}
	klog.V(1).Infof("dataset %s: %d train examples and %d test examples (%s in memory)",
		name, trainImages.NumExamples(), testImages.NumExamples(),
		humanize.IBytes(uint64(trainImages.Memory()+testImages.Memory())))
	return
}

// missingFilesError reports dataset files that are not present and won't be downloaded.
func missingFilesError(name Name, path string) error {
	return errors.Errorf("%s dataset file %q not found: pass --download to fetch it", name, path)
}

// String implements fmt.Stringer.
func (info Info) String() string {
	return fmt.Sprintf("%s: %dx%dx%d images, %d classes", info.Name,
		info.ImageShape[0], info.ImageShape[1], info.ImageShape[2], info.NumClasses)
}
