// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bufio"
	"io"
	"os"
	"path"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/glow/internal/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	SVHNBaseUrl  = "http://ufldl.stanford.edu/housenumbers/"
	SVHNTrainMat = "train_32x32.mat"
	SVHNTestMat  = "test_32x32.mat"

	// svhnCacheSuffix is appended to the .mat file name for the cache of the parsed examples, stored
	// as records of one label byte followed by the image in HWC order.
	svhnCacheSuffix = ".hwc.bin"
)

// LoadSVHN reads the SVHN cropped-digits train and test partitions (the "extra" partition is not used).
//
// Parsing the MATLAB files is slow, so the first load writes a compact cache next to each .mat file.
func LoadSVHN(baseDir string, download bool) (trainImages, testImages *Images, err error) {
	trainImages, err = loadSVHNPartition(baseDir, SVHNTrainMat, string(SVHN)+"-train", download)
	if err != nil {
		return nil, nil, err
	}
	testImages, err = loadSVHNPartition(baseDir, SVHNTestMat, string(SVHN)+"-test", download)
	if err != nil {
		return nil, nil, err
	}
	return
}

func loadSVHNPartition(baseDir, matName, name string, download bool) (*Images, error) {
	matPath := path.Join(baseDir, matName)
	cachePath := matPath + svhnCacheSuffix
	if exists, _ := fsutil.FileExists(cachePath); exists {
		images, err := readSVHNCache(cachePath, name)
		if err == nil {
			return images, nil
		}
		klog.Warningf("ignoring SVHN cache %q: %v", cachePath, err)
	}

	if exists, _ := fsutil.FileExists(matPath); !exists {
		if !download {
			return nil, missingFilesError(SVHN, matPath)
		}
		if err := downloader.Fetch(downloader.File{URL: SVHNBaseUrl + matName, Path: matPath}); err != nil {
			return nil, err
		}
	}
	images, err := parseSVHNMat(matPath, name)
	if err != nil {
		return nil, err
	}
	if err = writeSVHNCache(cachePath, images); err != nil {
		klog.Warningf("failed to write SVHN cache %q: %v", cachePath, err)
	}
	return images, nil
}

// parseSVHNMat reads the variables "X" (32x32x3xN, column-major) and "y" (N labels, where 10 stands
// for the digit 0) of an SVHN MATLAB file.
func parseSVHNMat(matPath, name string) (*Images, error) {
	f, err := os.Open(matPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", matPath)
	}
	defer func() { _ = f.Close() }()

	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse MATLAB file %q", matPath)
	}
	xVar, found := matFile.GetVar("X")
	if !found {
		return nil, errors.Errorf("variable \"X\" not found in MATLAB file %q", matPath)
	}
	yVar, found := matFile.GetVar("y")
	if !found {
		return nil, errors.Errorf("variable \"y\" not found in MATLAB file %q", matPath)
	}

	labels := yVar.Value()
	pixels := xVar.Value()
	numExamples := len(labels)
	if len(pixels) != numExamples*imageSizeBytes {
		return nil, errors.Errorf("MATLAB file %q has %d pixel values for %d labels, wanted %d",
			matPath, len(pixels), numExamples, numExamples*imageSizeBytes)
	}

	images := NewImages(name, numExamples)
	for n := range numExamples {
		label, err := matValueToInt(labels[n])
		if err != nil {
			return nil, errors.WithMessagef(err, "label of example #%d in %q", n, matPath)
		}
		if label == 10 {
			label = 0
		}
		images.Labels[n] = label

		dst := images.Example(n)
		pos := 0
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					v, err := matValueToInt(pixels[h+Height*w+Height*Width*d+imageSizeBytes*n])
					if err != nil {
						return nil, errors.WithMessagef(err, "pixel of example #%d in %q", n, matPath)
					}
					dst[pos] = uint8(v)
					pos++
				}
			}
		}
	}
	if err = images.Validate(); err != nil {
		return nil, err
	}
	return images, nil
}

// matValueToInt converts the numeric types a MATLAB v5 file may hold to int.
func matValueToInt(v any) (int, error) {
	switch x := v.(type) {
	case uint8:
		return int(x), nil
	case int8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case int16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float32:
		return int(x), nil
	case float64:
		return int(x), nil
	default:
		return 0, errors.Errorf("unsupported MATLAB value type %T", v)
	}
}

func writeSVHNCache(cachePath string, images *Images) (err error) {
	f, err := os.Create(cachePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", cachePath)
	}
	w := bufio.NewWriter(f)
	for ii := range images.NumExamples() {
		if err = w.WriteByte(uint8(images.Labels[ii])); err != nil {
			break
		}
		if _, err = w.Write(images.Example(ii)); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(cachePath)
		return errors.Wrapf(err, "writing %q", cachePath)
	}
	return nil
}

func readSVHNCache(cachePath, name string) (*Images, error) {
	stat, err := os.Stat(cachePath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %q", cachePath)
	}
	const recordSize = imageSizeBytes + 1
	if stat.Size()%recordSize != 0 || stat.Size() == 0 {
		return nil, errors.Errorf("file %q has %d bytes, not a multiple of the %d bytes record",
			cachePath, stat.Size(), recordSize)
	}
	numExamples := int(stat.Size() / recordSize)
	f, err := os.Open(cachePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", cachePath)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	images := NewImages(name, numExamples)
	var label [1]byte
	for ii := range numExamples {
		if _, err = io.ReadFull(r, label[:]); err != nil {
			return nil, errors.Wrapf(err, "reading example %d from %q", ii, cachePath)
		}
		images.Labels[ii] = int(label[0])
		if _, err = io.ReadFull(r, images.Example(ii)); err != nil {
			return nil, errors.Wrapf(err, "reading example %d from %q", ii, cachePath)
		}
	}
	if err = images.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "corrupt cache %q", cachePath)
	}
	return images, nil
}
