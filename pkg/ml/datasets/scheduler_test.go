// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/roidata/pkg/ml/roidb"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedPerms is a PermutationSource that returns the given permutations in order, repeating the last one.
type fixedPerms struct {
	perms [][]int
	calls int
}

func (f *fixedPerms) Perm(n int) []int {
	perm := f.perms[min(f.calls, len(f.perms)-1)]
	f.calls++
	return slices.Clone(perm)
}

// identityPerms always returns the identity permutation.
type identityPerms struct{}

func (identityPerms) Perm(n int) []int {
	perm := make([]int, n)
	for ii := range perm {
		perm[ii] = ii
	}
	return perm
}

// imageNames is a MinibatchBuilder that returns the image names of the records.
func imageNames(records []*roidb.ImageRecord, _ int) ([]string, error) {
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Image)
	}
	return names, nil
}

var imageNamesBuilder MinibatchBuilder[[]string] = MinibatchBuilderFunc[[]string](imageNames)

func seededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func requireBijection(t *testing.T, perm []int, n int) {
	t.Helper()
	require.Len(t, perm, n)
	sorted := slices.Sorted(slices.Values(perm))
	for ii, idx := range sorted {
		require.Equalf(t, ii, idx, "permutation %v is not a bijection on [0, %d)", perm, n)
	}
}

func TestNewIndexSchedulerErrors(t *testing.T) {
	// Empty roidb, either policy.
	for _, hasRPN := range []bool{false, true} {
		_, err := NewIndexScheduler(roidb.Roidb{}, 2, imageNamesBuilder, Config{ImagesPerBatch: 1, HasRPN: hasRPN})
		require.ErrorIs(t, err, roidb.ErrInvalidDataset)
	}

	// No record with objects: only a problem for the filtered policy.
	db := roidb.FromObjectCounts([]int{0, 0, -1})
	_, err := NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 1})
	require.ErrorIs(t, err, roidb.ErrInvalidDataset)
	_, err = NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 1, HasRPN: true})
	require.NoError(t, err)

	db = roidb.FromObjectCounts([]int{1, 2, 3})
	_, err = NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 0})
	require.ErrorIs(t, err, roidb.ErrInvalidConfig)
	_, err = NewIndexScheduler(db, 0, imageNamesBuilder, Config{ImagesPerBatch: 1})
	require.ErrorIs(t, err, roidb.ErrInvalidConfig)
	_, err = NewIndexScheduler[int](db, 2, nil, Config{ImagesPerBatch: 1})
	require.ErrorIs(t, err, roidb.ErrInvalidConfig)
	_, err = NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 4, HasRPN: true})
	require.ErrorIs(t, err, roidb.ErrInvalidConfig)

	// Larger batches than the roidb are fine when filtering: they span more than one epoch.
	_, err = NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 4})
	require.NoError(t, err)

	// Broken permutation sources.
	_, err = NewIndexScheduler(db, 2, imageNamesBuilder,
		Config{ImagesPerBatch: 1, Rand: &fixedPerms{perms: [][]int{{0, 0, 1}}}})
	require.ErrorIs(t, err, roidb.ErrInvalidConfig)
	_, err = NewIndexScheduler(db, 2, imageNamesBuilder,
		Config{ImagesPerBatch: 1, Rand: &fixedPerms{perms: [][]int{{0, 1}}}})
	require.ErrorIs(t, err, roidb.ErrInvalidConfig)
}

func TestSequentialScenario(t *testing.T) {
	db := roidb.FromObjectCounts([]int{1, 1, 1, 1})
	perms := &fixedPerms{perms: [][]int{{2, 0, 3, 1}, {1, 3, 0, 2}}}
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 2, HasRPN: true, Rand: perms}))
	assert.Equal(t, 0, s.Cursor())
	assert.Equal(t, []int{2, 0, 3, 1}, s.Permutation())

	indices, err := s.NextBatchIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, indices)
	assert.Equal(t, 2, s.Cursor())
	assert.Equal(t, 0, s.Epoch())

	// cur + batch size reaches the end of the permutation: reshuffle happens before slicing, and the
	// tail {3, 1} of the first permutation is never used.
	indices, err = s.NextBatchIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, indices)
	assert.Equal(t, 2, s.Cursor())
	assert.Equal(t, 1, s.Epoch())
	assert.Equal(t, 2, perms.calls)
}

func TestSequentialCoverage(t *testing.T) {
	const n, batchSize = 10, 3
	db := roidb.FromObjectCounts(make([]int, n))
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder,
		Config{ImagesPerBatch: batchSize, HasRPN: true, Rand: seededRand(42)}))

	perm := s.Permutation()
	epoch := s.Epoch()
	var epochIndices []int
	for range 100 {
		indices, err := s.NextBatchIndices()
		require.NoError(t, err)
		require.Len(t, indices, batchSize)
		newPerm := s.Permutation()
		requireBijection(t, newPerm, n)
		if s.Epoch() != epoch {
			// New epoch: the batch comes from the start of the new permutation.
			require.Equal(t, epoch+1, s.Epoch())
			require.Equal(t, newPerm[:batchSize], indices)
			require.Equal(t, batchSize, s.Cursor())

			// Only the full batches of the previous permutation were used, and the leftover tail is absent.
			require.Equal(t, perm[:9], epochIndices)
			for _, idx := range perm[9:] {
				require.NotContains(t, epochIndices, idx)
			}
			epochIndices = nil
			epoch = s.Epoch()
			perm = newPerm
		} else {
			require.Equal(t, perm, newPerm)
		}
		epochIndices = append(epochIndices, indices...)
	}
	assert.Equal(t, 33, s.Epoch())
}

func TestFilteredScenario(t *testing.T) {
	db := roidb.FromObjectCounts([]int{0, 3, 0, 1, 2})
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 2, Rand: identityPerms{}}))

	indices, err := s.NextBatchIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, indices)
	assert.Equal(t, 4, s.Cursor())
	assert.Equal(t, 0, s.Epoch())

	// Index 4 is accepted, then the permutation is exhausted and reshuffled: 0 is skipped, 1 accepted.
	indices, err = s.NextBatchIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, indices)
	assert.Equal(t, 2, s.Cursor())
	assert.Equal(t, 1, s.Epoch())
}

func TestFilteredNeverYieldsEmptyImages(t *testing.T) {
	rng := seededRand(7)
	counts := make([]int, 50)
	for ii := range counts {
		if rng.IntN(3) > 0 {
			counts[ii] = rng.IntN(5) + 1
		}
	}
	db := roidb.FromObjectCounts(counts)
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 4, Rand: seededRand(11)}))
	seen := make(map[int]bool)
	for range 1000 {
		indices, err := s.NextBatchIndices()
		require.NoError(t, err)
		require.Len(t, indices, 4)
		for _, idx := range indices {
			require.Positivef(t, counts[idx], "index %d has no objects", idx)
			seen[idx] = true
		}
		requireBijection(t, s.Permutation(), len(counts))
		require.Less(t, s.Cursor(), len(counts))
	}
	// Every image with objects is eventually used.
	assert.Len(t, seen, db.CountWithObjects())
	assert.Positive(t, s.Epoch())
}

func TestFilteredLargerBatchThanRoidb(t *testing.T) {
	db := roidb.FromObjectCounts([]int{1, 0, 1})
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 5, Rand: identityPerms{}}))
	indices, err := s.NextBatchIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 0, 2, 0}, indices)
	assert.Equal(t, 1, s.Cursor())
	assert.Equal(t, 2, s.Epoch())
}

func TestDeterministicWithSeed(t *testing.T) {
	counts := []int{0, 1, 2, 0, 3, 1, 0, 0, 5, 1, 1, 2}
	for _, hasRPN := range []bool{false, true} {
		db := roidb.FromObjectCounts(counts)
		config := Config{ImagesPerBatch: 3, HasRPN: hasRPN}
		config.Rand = seededRand(2026)
		s1 := must.M1(NewIndexScheduler(db, 4, imageNamesBuilder, config))
		config.Rand = seededRand(2026)
		s2 := must.M1(NewIndexScheduler(db, 4, imageNamesBuilder, config))
		for step := range 200 {
			b1, err := s1.NextBatch()
			require.NoError(t, err)
			b2, err := s2.NextBatch()
			require.NoError(t, err)
			require.Equalf(t, b1, b2, "step %d, hasRPN=%v", step, hasRPN)
		}
	}
}

func TestNextBatch(t *testing.T) {
	db := roidb.FromObjectCounts([]int{1, 2, 3, 4})
	var gotRecords []*roidb.ImageRecord
	var gotNumClasses int
	builder := MinibatchBuilderFunc[int](func(records []*roidb.ImageRecord, numClasses int) (int, error) {
		gotRecords = records
		gotNumClasses = numClasses
		return len(records), nil
	})
	s := must.M1(NewIndexScheduler[int](db, 21, builder,
		Config{ImagesPerBatch: 2, Rand: &fixedPerms{perms: [][]int{{3, 1, 0, 2}}}}))
	assert.Equal(t, "roidb", s.Name())
	assert.Equal(t, 21, s.NumClasses())

	batch, err := s.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 2, batch)
	assert.Equal(t, 21, gotNumClasses)
	require.Len(t, gotRecords, 2)
	assert.Same(t, db[3], gotRecords[0])
	assert.Same(t, db[1], gotRecords[1])

	// Yield is the same as NextBatch.
	batch, err = s.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, batch)
	assert.Same(t, db[0], gotRecords[0])
	assert.Same(t, db[2], gotRecords[1])

	// Builder errors are returned unchanged.
	errBuild := errors.New("cannot build")
	failing := MinibatchBuilderFunc[int](func([]*roidb.ImageRecord, int) (int, error) { return 0, errBuild })
	s = must.M1(NewIndexScheduler[int](db, 21, failing, Config{ImagesPerBatch: 2}))
	_, err = s.NextBatch()
	require.Equal(t, errBuild, err)
}

func TestMalformedRecords(t *testing.T) {
	// Filtered policy: the object count of the record can't be read.
	db := roidb.FromObjectCounts([]int{-1, 2})
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 1, Rand: identityPerms{}}))
	_, err := s.NextBatch()
	require.ErrorIs(t, err, roidb.ErrMalformedRecord)
	assert.Equal(t, 1, s.Cursor())
	names, err := s.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []string{"image_000001"}, names)

	// Sequential policy: the record is rejected before being handed to the builder.
	var built bool
	builder := MinibatchBuilderFunc[bool](func([]*roidb.ImageRecord, int) (bool, error) {
		built = true
		return true, nil
	})
	db = roidb.FromObjectCounts([]int{-1, 2, 2})
	s2 := must.M1(NewIndexScheduler[bool](db, 2, builder, Config{ImagesPerBatch: 1, HasRPN: true, Rand: identityPerms{}}))
	_, err = s2.NextBatch()
	require.ErrorIs(t, err, roidb.ErrMalformedRecord)
	assert.False(t, built)
	_, err = s2.NextBatch()
	require.NoError(t, err)
	assert.True(t, built)
}

func TestFilteredDetectsExhaustedRoidb(t *testing.T) {
	db := roidb.FromObjectCounts([]int{1, 0, 0})
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 1, Rand: seededRand(3)}))

	// Remove the only labeled object after construction.
	db[0].Boxes = []roidb.Box{}
	db[0].GtClasses = []int32{}
	_, err := s.NextBatchIndices()
	require.ErrorIs(t, err, roidb.ErrInvalidDataset)
}

func TestReset(t *testing.T) {
	db := roidb.FromObjectCounts([]int{1, 1, 1, 1, 1})
	s := must.M1(NewIndexScheduler(db, 2, imageNamesBuilder, Config{ImagesPerBatch: 2, Rand: seededRand(5)}))
	_, err := s.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Cursor())

	s.Reset()
	assert.Equal(t, 0, s.Cursor())
	assert.Equal(t, 1, s.Epoch())
	requireBijection(t, s.Permutation(), 5)
}
