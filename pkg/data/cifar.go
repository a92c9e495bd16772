// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gomlx/glow/internal/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// C10ExamplesPerFile is the number of examples in each of the binary batch files.
	C10ExamplesPerFile = 10000

	// C10NumTrainFiles is the number of "data_batch_<n>.bin" files.
	C10NumTrainFiles = 5
)

// C10Labels are the names of the CIFAR-10 classes.
var C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// DownloadCifar10 downloads and untars the CIFAR-10 binary version under baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	archive := downloader.File{URL: C10Url, Path: path.Join(baseDir, C10TarName), SHA256: C10Hash}
	return downloader.FetchAndExtract(archive, baseDir, C10SubDir)
}

// LoadCifar10 reads the 50k training and 10k test examples from the CIFAR-10 binary files
// under baseDir.
func LoadCifar10(baseDir string, download bool) (trainImages, testImages *Images, err error) {
	dir := path.Join(baseDir, C10SubDir)
	if exists, _ := fsutil.FileExists(dir); !exists {
		if !download {
			return nil, nil, missingFilesError(Cifar10, dir)
		}
		if err = DownloadCifar10(baseDir); err != nil {
			return nil, nil, err
		}
	}

	trainImages = NewImages(string(Cifar10)+"-train", C10NumTrainFiles*C10ExamplesPerFile)
	for fileIdx := range C10NumTrainFiles {
		dataFile := path.Join(dir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1))
		if err = readCifarFile(dataFile, trainImages, fileIdx*C10ExamplesPerFile); err != nil {
			return nil, nil, err
		}
	}
	testImages = NewImages(string(Cifar10)+"-test", C10ExamplesPerFile)
	if err = readCifarFile(path.Join(dir, "test_batch.bin"), testImages, 0); err != nil {
		return nil, nil, err
	}
	return
}

// readCifarFile reads C10ExamplesPerFile records of one label byte followed by the image in
// CHW order, and stores them in images starting at example firstIdx, converted to HWC.
func readCifarFile(dataFile string, images *Images, firstIdx int) error {
	f, err := os.Open(dataFile)
	if err != nil {
		return errors.Wrapf(err, "opening data file %q", dataFile)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	var labelImageBytes [imageSizeBytes + 1]byte
	for inFileIdx := range C10ExamplesPerFile {
		if _, err = io.ReadFull(r, labelImageBytes[:]); err != nil {
			return errors.Wrapf(err, "reading example %d (out of %d) from %q",
				inFileIdx, C10ExamplesPerFile, dataFile)
		}
		exampleIdx := firstIdx + inFileIdx
		images.Labels[exampleIdx] = int(labelImageBytes[0])
		chwToHWC(labelImageBytes[1:], images.Example(exampleIdx))
	}
	return nil
}

// chwToHWC converts one image from planar (channels first) to interleaved (channels last) order.
func chwToHWC(src, dst []uint8) {
	pos := 0
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				dst[pos] = src[d*(Height*Width)+h*Width+w]
				pos++
			}
		}
	}
}
