// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the Dataset contract between batch producers and training loops, and a simple
// hook-driven Loop that consumes one batch per training step.
package train

// Dataset for a train.Loop provides the data, one batch at a time.
//
// The batch type B is opaque to the Loop: it is whatever the minibatch builder of the dataset returns
// (images, labels, regression targets, ...), and it is passed unchanged to the step function.
//
// The Dataset interface allows for extensions/customizations by defining extra optional interfaces that
// a Dataset optionally can implement. See HasShortName.
type Dataset[B any] interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	// For datasets that loop indefinitely it starts a new epoch.
	Reset()

	// Yield one batch (or whatever is the unit for a training step) or an error.
	//
	// If the error is `io.EOF` the training terminates normally, as it indicates end of data for finite
	// datasets. Datasets that loop indefinitely never return `io.EOF`.
	//
	// Any other errors should interrupt the training and be returned to the user. No partial batch is
	// returned along with an error.
	Yield() (batch B, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of names).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// ShortName returns the short name of ds, if it implements HasShortName, or the first 3 letters of its name.
func ShortName[B any](ds Dataset[B]) string {
	if sn, ok := ds.(HasShortName); ok {
		return sn.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		return name[:3]
	}
	return name
}
