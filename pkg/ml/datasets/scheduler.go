// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"slices"

	"github.com/gomlx/roidata/pkg/ml/roidb"
	"github.com/gomlx/roidata/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of an IndexScheduler. It is fixed for the lifetime of the scheduler.
type Config struct {
	// Name of the dataset, used for logging. Defaults to "roidb".
	Name string

	// ImagesPerBatch is the number of roidb indices selected for each minibatch. Must be > 0.
	ImagesPerBatch int

	// HasRPN indicates the network generates its own region proposals. If true, indices are taken
	// sequentially from the permutation. If false, images without labeled objects are skipped.
	HasRPN bool

	// Rand generates the permutations. If nil, an RNG seeded with the current time is used.
	Rand PermutationSource
}

// IndexScheduler selects, for each training step, the roidb records of the minibatch and hands them to a
// MinibatchBuilder. It implements train.Dataset and loops indefinitely: it never returns io.EOF.
//
// It owns a permutation of the roidb indices and a cursor into it. Each time the permutation is consumed
// a new one is drawn (an epoch boundary). There are two sampling policies, selected by Config.HasRPN:
//
//   - Sequential (HasRPN=true): if the cursor plus the batch size reaches the end of the permutation,
//     the roidb is reshuffled first, then the next ImagesPerBatch indices are taken. The tail of the
//     previous permutation that didn't fill a batch is never used in that epoch, so some epochs are short
//     by up to ImagesPerBatch samples. This is inherited behavior, kept since training statistics may
//     depend on it.
//   - Filtered (HasRPN=false): indices are read one at a time and only those whose record has at least
//     one labeled object are kept, reshuffling whenever the permutation is exhausted, until the batch is full.
//
// IndexScheduler is not safe for concurrent use: serialize calls externally, or use one scheduler per
// training worker. The roidb is shared and never modified.
type IndexScheduler[B any] struct {
	db         roidb.Roidb
	numClasses int
	builder    MinibatchBuilder[B]
	config     Config
	rng        PermutationSource

	// perm is the current permutation of [0, len(db)), and cur the next position to consume.
	perm  []int
	cur   int
	epoch int
}

var _ train.Dataset[int] = (*IndexScheduler[int])(nil)

// NewIndexScheduler creates an IndexScheduler over db and performs the initial shuffle.
//
// numClasses is passed through to the builder. It returns an error wrapping roidb.ErrInvalidDataset if
// db is empty, or if the filtered policy is selected and no record has labeled objects. Invalid
// configurations return an error wrapping roidb.ErrInvalidConfig.
func NewIndexScheduler[B any](db roidb.Roidb, numClasses int, builder MinibatchBuilder[B], config Config) (
	*IndexScheduler[B], error) {
	if len(db) == 0 {
		return nil, errors.Wrap(roidb.ErrInvalidDataset, "roidb is empty")
	}
	if config.ImagesPerBatch <= 0 {
		return nil, errors.Wrapf(roidb.ErrInvalidConfig, "ImagesPerBatch must be positive, got %d",
			config.ImagesPerBatch)
	}
	if numClasses <= 0 {
		return nil, errors.Wrapf(roidb.ErrInvalidConfig, "numClasses must be positive, got %d", numClasses)
	}
	if builder == nil {
		return nil, errors.Wrap(roidb.ErrInvalidConfig, "a MinibatchBuilder is required")
	}
	if config.HasRPN && config.ImagesPerBatch > len(db) {
		return nil, errors.Wrapf(roidb.ErrInvalidConfig, "ImagesPerBatch=%d is larger than the roidb (%d records)",
			config.ImagesPerBatch, len(db))
	}
	if !config.HasRPN && db.CountWithObjects() == 0 {
		return nil, errors.Wrapf(roidb.ErrInvalidDataset,
			"none of the %d records has labeled objects, and they are required when HasRPN=false", len(db))
	}
	if config.Name == "" {
		config.Name = "roidb"
	}
	s := &IndexScheduler[B]{
		db:         db,
		numClasses: numClasses,
		builder:    builder,
		config:     config,
		rng:        config.Rand,
	}
	if s.rng == nil {
		s.rng = newDefaultRand()
	}
	if err := s.shuffle(); err != nil {
		return nil, err
	}
	return s, nil
}

// shuffle draws a new permutation and resets the cursor.
func (s *IndexScheduler[B]) shuffle() error {
	n := len(s.db)
	perm := s.rng.Perm(n)
	if err := checkPermutation(perm, n); err != nil {
		return err
	}
	s.perm = perm
	s.cur = 0
	return nil
}

// reshuffle starts a new epoch.
func (s *IndexScheduler[B]) reshuffle() error {
	if err := s.shuffle(); err != nil {
		return err
	}
	s.epoch++
	klog.V(1).Infof("%s: reshuffled %d records, starting epoch %d", s.config.Name, len(s.perm), s.epoch)
	return nil
}

// checkPermutation returns an error if perm is not a bijection on [0, n).
func checkPermutation(perm []int, n int) error {
	if len(perm) != n {
		return errors.Wrapf(roidb.ErrInvalidConfig, "permutation source returned %d indices, wanted %d",
			len(perm), n)
	}
	seen := make([]bool, n)
	for _, idx := range perm {
		if idx < 0 || idx >= n || seen[idx] {
			return errors.Wrapf(roidb.ErrInvalidConfig,
				"permutation source returned an invalid permutation of [0, %d): index %d out of range or repeated",
				n, idx)
		}
		seen[idx] = true
	}
	return nil
}

// NextBatchIndices returns the roidb indices for the next minibatch, always Config.ImagesPerBatch of them.
//
// With the filtered policy, a record whose object count can't be read aborts the call with an error
// wrapping roidb.ErrMalformedRecord. The cursor is left past that record, and the indices already
// accepted in the call are dropped.
func (s *IndexScheduler[B]) NextBatchIndices() ([]int, error) {
	if s.config.HasRPN {
		return s.nextSequential()
	}
	return s.nextFiltered()
}

func (s *IndexScheduler[B]) nextSequential() ([]int, error) {
	n := s.config.ImagesPerBatch
	if s.cur+n >= len(s.perm) {
		if err := s.reshuffle(); err != nil {
			return nil, err
		}
	}
	indices := slices.Clone(s.perm[s.cur : s.cur+n])
	s.cur += n
	return indices, nil
}

func (s *IndexScheduler[B]) nextFiltered() ([]int, error) {
	n := s.config.ImagesPerBatch
	indices := make([]int, 0, n)

	// Any 2*len(db) consecutive rejections cover at least one full permutation: if that happens
	// no record has objects anymore (the roidb was changed under us), and the loop would never end.
	maxRejections := 2 * len(s.perm)
	var rejections int
	for len(indices) < n {
		ind := s.perm[s.cur]
		numObjects, err := s.db[ind].NumObjects()
		if err == nil && numObjects > 0 {
			indices = append(indices, ind)
			rejections = 0
		} else {
			rejections++
		}
		s.cur++
		if s.cur >= len(s.perm) {
			if shuffleErr := s.reshuffle(); shuffleErr != nil {
				return nil, shuffleErr
			}
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: reading object count of roidb[%d]", s.config.Name, ind)
		}
		if rejections >= maxRejections {
			return nil, errors.Wrapf(roidb.ErrInvalidDataset,
				"%s: no record with labeled objects found after %d draws", s.config.Name, rejections)
		}
	}
	return indices, nil
}

// NextBatch selects the records of the next minibatch and returns what the MinibatchBuilder builds with them.
//
// Records are validated before being handed to the builder: malformed ones abort the call with an error
// wrapping roidb.ErrMalformedRecord. Errors from the builder are returned unchanged.
func (s *IndexScheduler[B]) NextBatch() (batch B, err error) {
	indices, err := s.NextBatchIndices()
	if err != nil {
		return
	}
	records, err := s.db.Gather(indices)
	if err != nil {
		return
	}
	for ii, r := range records {
		if err = r.Validate(); err != nil {
			err = errors.WithMessagef(err, "%s: roidb[%d] selected for minibatch", s.config.Name, indices[ii])
			return
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: epoch %d, cursor %d, minibatch indices %v", s.config.Name, s.epoch, s.cur, indices)
	}
	return s.builder.Build(records, s.numClasses)
}

// Name implements train.Dataset.
func (s *IndexScheduler[B]) Name() string {
	return s.config.Name
}

// Reset implements train.Dataset. The scheduler loops indefinitely, so Reset simply forces a new epoch:
// it reshuffles the roidb and moves the cursor to the start.
func (s *IndexScheduler[B]) Reset() {
	if err := s.reshuffle(); err != nil {
		klog.Errorf("%s: failed to reshuffle on Reset: %+v", s.config.Name, err)
	}
}

// Yield implements train.Dataset. It is the same as NextBatch.
func (s *IndexScheduler[B]) Yield() (batch B, err error) {
	return s.NextBatch()
}

// Epoch returns the number of reshuffles since the scheduler was created.
func (s *IndexScheduler[B]) Epoch() int {
	return s.epoch
}

// Cursor returns the position in the current permutation of the next index to be considered.
func (s *IndexScheduler[B]) Cursor() int {
	return s.cur
}

// Permutation returns a copy of the current permutation.
func (s *IndexScheduler[B]) Permutation() []int {
	return slices.Clone(s.perm)
}

// NumClasses returns the number of classes passed through to the builder.
func (s *IndexScheduler[B]) NumClasses() int {
	return s.numClasses
}

// Config returns the configuration of the scheduler.
func (s *IndexScheduler[B]) Config() Config {
	return s.config
}

// Roidb returns the roidb the scheduler samples from.
func (s *IndexScheduler[B]) Roidb() roidb.Roidb {
	return s.db
}
