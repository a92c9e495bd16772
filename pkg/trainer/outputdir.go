// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files and directories created under the output directory.
const (
	HParamsFile    = "hparams.json"
	CheckpointsDir = "checkpoints"
	SamplesDir     = "samples"

	// ReferenceSamplesFile, in SamplesDir, holds test images to compare the samples of each epoch with.
	ReferenceSamplesFile = "reference.png"
)

// ErrOutputDirNotEmpty is returned by PrepareOutputDir for an existing non-empty directory.
var ErrOutputDirNotEmpty = errors.New(
	"Please provide a path to a non-existing or empty directory. Alternatively, pass the --fresh flag.")

// PrepareOutputDir creates dir if it doesn't exist. An existing non-empty directory is an error,
// unless fresh is set, in which case it is removed and created again.
func PrepareOutputDir(dir string, fresh bool) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return errors.Wrapf(err, "reading output directory %q", dir)
	case len(entries) > 0 && !fresh:
		return errors.WithMessagef(ErrOutputDirNotEmpty, "output directory %q", dir)
	case len(entries) > 0:
		klog.Infof("Removing previous contents of %q", dir)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "removing output directory %q", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %q", dir)
	}
	return nil
}

// maxRandomSeed is the largest seed picked by ResolveSeed.
const maxRandomSeed = 10000

// ResolveSeed returns seed, or a random one in [1, 10000] if seed is 0.
func ResolveSeed(seed int) int {
	if seed != 0 {
		return seed
	}
	return rand.IntN(maxRandomSeed) + 1
}

// WriteHParams saves hparams in dir/hparams.json (keys sorted, indented with 4 spaces), adding a new
// "run_id" and the resolved "seed". The "fresh" flag is not saved.
func WriteHParams(dir string, hparams map[string]any, seed int) (runID string, err error) {
	values := make(map[string]any, len(hparams)+2)
	for key, value := range hparams {
		if key == "fresh" {
			continue
		}
		values[key] = value
	}
	runID = uuid.NewString()
	values["run_id"] = runID
	values[ParamSeed] = seed
	contents, err := json.MarshalIndent(values, "", "    ")
	if err != nil {
		return "", errors.Wrap(err, "encoding hyperparameters")
	}
	path := filepath.Join(dir, HParamsFile)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %q", path)
	}
	return runID, nil
}

// ReadHParams reads the hyperparameters saved by WriteHParams.
func ReadHParams(dir string) (map[string]any, error) {
	path := filepath.Join(dir, HParamsFile)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	var hparams map[string]any
	if err = json.Unmarshal(contents, &hparams); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	return hparams, nil
}
