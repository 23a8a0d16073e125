// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"
	"time"

	"github.com/gomlx/roidata/pkg/ml/roidb"
)

// MinibatchBuilder converts the records selected for one training step into a trainable batch
// (normalized images, label and bounding-box regression targets, ...).
//
// IndexScheduler calls Build exactly once per batch and returns its result (and error) unmodified.
// Build must not modify the records.
type MinibatchBuilder[B any] interface {
	Build(records []*roidb.ImageRecord, numClasses int) (B, error)
}

// MinibatchBuilderFunc adapts a function to a MinibatchBuilder.
type MinibatchBuilderFunc[B any] func(records []*roidb.ImageRecord, numClasses int) (B, error)

// Build implements MinibatchBuilder.
func (fn MinibatchBuilderFunc[B]) Build(records []*roidb.ImageRecord, numClasses int) (B, error) {
	return fn(records, numClasses)
}

// PermutationSource generates uniformly random permutations of [0, n).
//
// A *rand.Rand (from math/rand or math/rand/v2) satisfies it. Inject one with a fixed seed
// for repeatable sampling.
type PermutationSource interface {
	Perm(n int) []int
}

// newDefaultRand returns an RNG initialized with the current nanosecond time.
func newDefaultRand() *rand.Rand {
	seed := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
