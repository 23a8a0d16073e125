// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements the minibatch samplers (train.Dataset) used to train object detectors
// on a roidb, and utility wrappers that can be combined with them: `Take` and `Prefetch`.
//
// The main sampler is IndexScheduler: it owns a random permutation of the roidb indices and a cursor,
// decides which records form each minibatch and delegates the conversion of the records into a
// trainable batch to a MinibatchBuilder.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/roidata/pkg/ml/train"
)

// takeDataset implements a `train.Dataset` that only yields `take` batches.
type takeDataset[B any] struct {
	ds          train.Dataset[B]
	count, take int
}

// Take returns a wrapper to `ds`, a `train.Dataset` that only yields `n` batches.
func Take[B any](ds train.Dataset[B], n int) train.Dataset[B] {
	return &takeDataset[B]{
		ds:   ds,
		take: n,
	}
}

// Name implements train.Dataset. It returns the dataset name.
func (ds *takeDataset[B]) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements train.Dataset.
func (ds *takeDataset[B]) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements train.Dataset.
func (ds *takeDataset[B]) Yield() (batch B, err error) {
	if ds.count >= ds.take {
		err = io.EOF
		return
	}
	ds.count++
	return ds.ds.Yield()
}
