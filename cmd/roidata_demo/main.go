// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// roidata_demo samples minibatches from a synthetic roidb, the way a Fast R-CNN training loop would,
// and reports how the roidb was covered.
//
// With --rpn=false (the default) images without labeled objects are never sampled. With --rpn=true
// indices are taken sequentially from each random permutation.
//
// Example:
//
//	roidata_demo --images=5000 --empty_fraction=0.3 --batch=2 --steps=20000 --prefetch=8 -v=1
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/roidata/pkg/ml/datasets"
	"github.com/gomlx/roidata/pkg/ml/roidb"
	"github.com/gomlx/roidata/pkg/ml/train"
	"github.com/gomlx/roidata/pkg/ml/train/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagNumImages     = flag.Int("images", 1000, "Number of images in the synthetic roidb.")
	flagEmptyFraction = flag.Float64("empty_fraction", 0.2, "Fraction of images without labeled objects.")
	flagMaxObjects    = flag.Int("max_objects", 5, "Maximum number of objects per image.")
	flagNumClasses    = flag.Int("classes", 21, "Number of classes, including the background class 0.")
	flagBatchSize     = flag.Int("batch", 2, "Images per minibatch.")
	flagHasRPN        = flag.Bool("rpn", false, "Whether the network generates its own region proposals: "+
		"if true images are sampled sequentially from each permutation, without filtering empty images.")
	flagSeed     = flag.Int64("seed", -1, "Random seed for the roidb and the sampler. If < 0 a time based seed is used.")
	flagNumSteps = flag.Int("steps", 1000, "Number of training steps (minibatches) to sample.")
	flagPrefetch = flag.Int("prefetch", 0, "If > 0, minibatches are prefetched in a separate goroutine with "+
		"a buffer of this size.")
)

// Minibatch is the summary of the records of one training step, built by summarize.
type Minibatch struct {
	Images      []string
	NumObjects  int
	ClassCounts map[int32]int
}

// summarize is the MinibatchBuilder of the demo: it doesn't load any pixels, it only summarizes the
// annotations of the selected records.
func summarize(records []*roidb.ImageRecord, numClasses int) (Minibatch, error) {
	mb := Minibatch{
		Images:      make([]string, 0, len(records)),
		ClassCounts: make(map[int32]int),
	}
	for _, r := range records {
		mb.Images = append(mb.Images, r.Image)
		mb.NumObjects += len(r.Boxes)
		for _, class := range r.GtClasses {
			if class <= 0 || int(class) >= numClasses {
				return Minibatch{}, errors.Errorf("image %q has class %d, outside of [1, %d)", r.Image, class, numClasses)
			}
			mb.ClassCounts[class]++
		}
	}
	return mb, nil
}

// syntheticRoidb creates a roidb with random boxes.
func syntheticRoidb(rng *rand.Rand, numImages, maxObjects, numClasses int, emptyFraction float64) roidb.Roidb {
	db := make(roidb.Roidb, numImages)
	for ii := range db {
		r := &roidb.ImageRecord{
			Image:  fmt.Sprintf("synthetic/%06d.jpg", ii),
			Width:  320 + rng.IntN(320),
			Height: 240 + rng.IntN(240),
		}
		numObjects := 0
		if rng.Float64() >= emptyFraction {
			numObjects = 1 + rng.IntN(maxObjects)
		}
		r.Boxes = make([]roidb.Box, numObjects)
		r.GtClasses = make([]int32, numObjects)
		for jj := range numObjects {
			x1, y1 := rng.Float32()*float32(r.Width-1), rng.Float32()*float32(r.Height-1)
			r.Boxes[jj] = roidb.Box{
				X1: x1, Y1: y1,
				X2: x1 + rng.Float32()*(float32(r.Width-1)-x1),
				Y2: y1 + rng.Float32()*(float32(r.Height-1)-y1),
			}
			r.GtClasses[jj] = int32(1 + rng.IntN(numClasses-1))
		}
		db[ii] = r
	}
	return db
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	if *flagNumClasses < 2 {
		klog.Exitf("--classes must be at least 2 (background plus one object class), got %d", *flagNumClasses)
	}

	seed := uint64(*flagSeed)
	if *flagSeed < 0 {
		seed = uint64(time.Now().UnixNano())
	}
	klog.V(1).Infof("seed=%d", seed)
	dataRng := rand.New(rand.NewPCG(seed, 1))
	db := syntheticRoidb(dataRng, *flagNumImages, *flagMaxObjects, *flagNumClasses, *flagEmptyFraction)
	fmt.Printf("roidb: %s\n", db.Stats())

	sched := must.M1(datasets.NewIndexScheduler[Minibatch](db, *flagNumClasses, datasets.MinibatchBuilderFunc[Minibatch](summarize),
		datasets.Config{
			Name:           "synthetic",
			ImagesPerBatch: *flagBatchSize,
			HasRPN:         *flagHasRPN,
			Rand:           rand.New(rand.NewPCG(seed, 2)),
		}))
	var ds train.Dataset[Minibatch] = sched
	if *flagPrefetch > 0 {
		pds := datasets.Prefetch[Minibatch](sched, *flagPrefetch)
		defer pds.Done()
		ds = pds
	}

	visits := make(map[string]int, len(db))
	var numObjects int
	loop := train.NewLoop(func(loop *train.Loop[Minibatch], mb Minibatch) error {
		for _, image := range mb.Images {
			visits[image]++
		}
		numObjects += mb.NumObjects
		return nil
	})
	loop.OnEnd("coverage", 0, func(loop *train.Loop[Minibatch]) error {
		numSteps := loop.LoopStep - loop.StartStep
		commandline.PublishStat(loop, "Minibatches", humanize.Comma(int64(numSteps)))
		commandline.PublishStat(loop, "Images sampled", humanize.Comma(int64(numSteps*(*flagBatchSize))))
		commandline.PublishStat(loop, "Distinct images", fmt.Sprintf("%s (%.1f%% of roidb)",
			humanize.Comma(int64(len(visits))), 100*float64(len(visits))/float64(len(db))))
		commandline.PublishStat(loop, "Objects", humanize.Comma(int64(numObjects)))
		commandline.PublishStat(loop, "Median step", loop.MedianTrainStepDuration().String())
		return nil
	})
	commandline.AttachProgressBar(loop)
	must.M(loop.RunSteps(ds, *flagNumSteps))

	if pds, ok := ds.(*datasets.PrefetchDataset[Minibatch]); ok {
		// Stop prefetching before reading the scheduler state.
		pds.Done()
	}
	fmt.Printf("Epochs started: %d\n", sched.Epoch()+1)
}
