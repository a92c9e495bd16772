// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// glow_sample draws images from a model trained with glow_train and saves them as a PNG grid.
//
// Example:
//
//	glow_sample --n=100 --temperature=0.7 --output=samples.png ~/work/glow/checkpoints
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/glow/pkg/glow"
	"github.com/gomlx/glow/pkg/samples"
	"github.com/gomlx/glow/pkg/trainer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagNumSamples  = flag.Int("n", 64, "Number of images to sample.")
	flagTemperature = flag.Float64("temperature", 0.7, "Temperature of the prior.")
	flagClass       = flag.Int("class", -1, "Class of the images, for class conditioned models. -1 cycles through the classes.")
	flagColumns     = flag.Int("cols", 0, "Number of columns of the grid; 0 for a square grid.")
	flagOutput      = flag.String("output", "samples.png", "Image file to write; the format is given by the extension.")
	flagSeed        = flag.Int64("seed", 0, "Random seed; 0 picks one at random.")
	flagNoCUDA      = flag.Bool("no_cuda", false, "Run on the CPU.")
)

func main() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <checkpoint directory>\n", os.Args[0])
		flag.PrintDefaults()
	}
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	checkpointDir := fsutil.MustReplaceTildeInDir(flag.Arg(0))

	ctx := trainer.CreateDefaultContext()
	_ = must.M1(checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done())
	initialized, err := glow.IsActNormInitialized(ctx)
	if err != nil || !initialized {
		klog.Exitf("No trained Glow model in %q (err=%v)", checkpointDir, err)
	}
	model, err := glow.New(ctx)
	if err != nil {
		klog.Exitf("Invalid model hyperparameters in %q: %v", checkpointDir, err)
	}
	klog.V(1).Infof("Loaded model: %s", model.Config())

	seed := *flagSeed
	if seed == 0 {
		seed = int64(trainer.ResolveSeed(0))
	}
	ctx.RngStateFromSeed(seed)

	var backend backends.Backend
	if *flagNoCUDA {
		backend = must.M1(backends.NewWithConfig("xla:cpu"))
	} else {
		backend = backends.MustNew()
	}
	generator, err := samples.NewGenerator(backend, ctx.Checked(false), model, *flagNumSamples, *flagTemperature, *flagClass)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	imgs, err := generator.Generate()
	if err != nil {
		klog.Exitf("%+v", err)
	}
	must.M(samples.SaveGrid(imgs, *flagOutput, *flagColumns))
	fmt.Printf("Saved %d samples to %q\n", *flagNumSamples, *flagOutput)
}
