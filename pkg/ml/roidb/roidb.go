// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package roidb defines the per-image region-of-interest records ("roidb") used to train object detectors.
//
// A Roidb is read-only for the samplers that consume it: they select indices into it and hand the
// selected records over to a minibatch builder. How a roidb is loaded from disk is not handled here.
package roidb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Box is a ground-truth bounding box, in inclusive pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// String implements fmt.Stringer.
func (b Box) String() string {
	return fmt.Sprintf("[%g,%g,%g,%g]", b.X1, b.Y1, b.X2, b.Y2)
}

// ImageRecord holds the annotations of one training image.
//
// Boxes and GtClasses are parallel slices, one entry per labeled object. A nil Boxes means the
// annotations are missing (a malformed record), while an empty non-nil Boxes means the image has no objects.
type ImageRecord struct {
	// Image is the path or key of the image. Opaque to the samplers.
	Image string

	// Width and Height of the image in pixels.
	Width, Height int

	// Boxes of the labeled objects.
	Boxes []Box

	// GtClasses holds the class of each box.
	GtClasses []int32

	// Flipped indicates the record describes the horizontally flipped version of Image.
	Flipped bool

	// Extra holds any other fields a minibatch builder may need (overlaps, segmentation, etc.).
	Extra map[string]any
}

// NumObjects returns the number of labeled objects of the record.
//
// It returns an error wrapping ErrMalformedRecord if the record is nil, has no annotations or its
// annotations are inconsistent.
func (r *ImageRecord) NumObjects() (int, error) {
	if r == nil {
		return 0, errors.Wrap(ErrMalformedRecord, "nil record")
	}
	if r.Boxes == nil {
		return 0, errors.Wrapf(ErrMalformedRecord, "record for image %q has no boxes", r.Image)
	}
	if len(r.GtClasses) != len(r.Boxes) {
		return 0, errors.Wrapf(ErrMalformedRecord, "record for image %q has %d boxes but %d classes",
			r.Image, len(r.Boxes), len(r.GtClasses))
	}
	return len(r.Boxes), nil
}

// Validate checks the record is well-formed: see NumObjects, and additionally every box must have
// its corners ordered.
func (r *ImageRecord) Validate() error {
	if _, err := r.NumObjects(); err != nil {
		return err
	}
	for ii, box := range r.Boxes {
		if box.X1 > box.X2 || box.Y1 > box.Y2 {
			return errors.Wrapf(ErrMalformedRecord, "record for image %q has invalid box #%d %s",
				r.Image, ii, box)
		}
	}
	return nil
}

// Roidb is the ordered collection of training records.
//
// Its length is fixed once training starts, and the samplers never modify it.
type Roidb []*ImageRecord

// Len returns the number of records.
func (db Roidb) Len() int {
	return len(db)
}

// At returns the record at index i. It panics if i is out of range, like a slice access.
func (db Roidb) At(i int) *ImageRecord {
	return db[i]
}

// Gather returns the records for the given indices, in the same order.
func (db Roidb) Gather(indices []int) ([]*ImageRecord, error) {
	records := make([]*ImageRecord, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(db) {
			return nil, errors.Errorf("roidb index %d out of range [0, %d)", idx, len(db))
		}
		records = append(records, db[idx])
	}
	return records, nil
}

// CountWithObjects returns the number of well-formed records with at least one labeled object.
func (db Roidb) CountWithObjects() int {
	var count int
	for _, r := range db {
		if n, err := r.NumObjects(); err == nil && n > 0 {
			count++
		}
	}
	return count
}

// FromObjectCounts creates a Roidb with one record per element of counts, each with that many
// (unit sized) boxes of class 1. Negative counts create malformed records (with no boxes at all).
//
// This is useful to write tests and demos with small datasets provided inline.
func FromObjectCounts(counts []int) Roidb {
	db := make(Roidb, len(counts))
	for ii, count := range counts {
		r := &ImageRecord{
			Image:  fmt.Sprintf("image_%06d", ii),
			Width:  16,
			Height: 16,
		}
		if count >= 0 {
			r.Boxes = make([]Box, count)
			r.GtClasses = make([]int32, count)
			for jj := range count {
				r.Boxes[jj] = Box{X1: 0, Y1: 0, X2: 1, Y2: 1}
				r.GtClasses[jj] = 1
			}
		}
		db[ii] = r
	}
	return db
}
