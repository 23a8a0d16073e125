// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"runtime"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/roidata/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrefetchDataset is a wrapper around a `train.Dataset` that generates batches ahead of their consumption
// in a separate goroutine. See details in Prefetch.
type PrefetchDataset[B any] struct {
	Dataset train.Dataset[B]

	// name is set by default to the underlying dataset name.
	name string

	// bufferSize is the number of pre-generated batches.
	bufferSize int

	// impl is the actual implementation.
	impl *prefetchImpl[B]

	// keepAlive is used only to keep PrefetchDataset alive in the middle of long calls.
	keepAlive int64
}

type yieldUnit[B any] struct {
	batch B
	err   error
}

// prefetchImpl separates the implementation of PrefetchDataset. It's important
// that it doesn't point back to the original PrefetchDataset, so garbage collecting
// will also stop the goroutine.
type prefetchImpl[B any] struct {
	ds     train.Dataset[B]
	buffer chan yieldUnit[B]

	// err is the error that stopped production, set before buffer is closed.
	err error

	stop, done chan struct{}
}

// Prefetch wraps ds so its batches are generated by one goroutine ahead of their consumption, keeping
// up to bufferSize batches ready.
//
// Since there is only one goroutine calling ds.Yield, the order of the batches is exactly the one
// ds would yield if called directly: with an IndexScheduler the sampled indices are the same with or
// without prefetching (provided Reset is not called, since Reset discards the batches already prefetched).
// ds doesn't need to be safe for concurrent use, but it must not be used by anyone else while wrapped.
//
// An error (including io.EOF, or a panic in ds.Yield) is returned in order, after the batches generated
// before it, and stops the prefetching until Reset is called.
//
// To avoid leaking the goroutine, call PrefetchDataset.Done when exiting.
//
// Example:
//
//	sched, err := datasets.NewIndexScheduler(db, numClasses, builder, config)
//	ds := datasets.Prefetch[Batch](sched, 4)
//	defer ds.Done()
//	err = loop.RunSteps(ds, numSteps)
func Prefetch[B any](ds train.Dataset[B], bufferSize int) *PrefetchDataset[B] {
	pd := &PrefetchDataset[B]{
		Dataset:    ds,
		name:       ds.Name(),
		bufferSize: max(bufferSize, 0),
	}
	pd.start()
	// If the PrefetchDataset is garbage collected, stop the goroutine.
	runtime.SetFinalizer(pd, func(pd *PrefetchDataset[B]) {
		if pd.impl != nil {
			close(pd.impl.stop)
			pd.impl = nil
		}
	})
	return pd
}

func (pd *PrefetchDataset[B]) start() {
	impl := &prefetchImpl[B]{
		ds:     pd.Dataset,
		buffer: make(chan yieldUnit[B], pd.bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	pd.impl = impl
	go impl.produce()
}

// produce runs in its own goroutine, until stopped or until the underlying dataset returns an error.
func (impl *prefetchImpl[B]) produce() {
	defer close(impl.done)
	defer close(impl.buffer)
	for {
		select {
		case <-impl.stop:
			return
		default:
			// Move forward and generate the next batch.
		}
		var unit yieldUnit[B]
		panicErr := exceptions.TryCatch[error](func() { unit.batch, unit.err = impl.ds.Yield() })
		if panicErr != nil {
			unit.err = errors.WithMessage(panicErr, "panic while prefetching batch")
		}
		if unit.err != nil {
			if unit.err != io.EOF {
				klog.Errorf("Prefetch(%s): %+v", impl.ds.Name(), unit.err)
			}
			impl.err = unit.err
		}
		select {
		case <-impl.stop:
			return
		case impl.buffer <- unit:
		}
		if unit.err != nil {
			return
		}
	}
}

// halt stops the goroutine, discards whatever is buffered and waits for it to exit.
func (impl *prefetchImpl[B]) halt() {
	close(impl.stop)
	for range impl.buffer {
		// Discard remaining entries that were in the buffer.
	}
	<-impl.done
}

// WithName sets the name of the dataset. It defaults to the underlying dataset name.
//
// It returns the updated PrefetchDataset, so calls can be cascaded.
func (pd *PrefetchDataset[B]) WithName(name string) *PrefetchDataset[B] {
	pd.name = name
	return pd
}

// Name implements train.Dataset.
func (pd *PrefetchDataset[B]) Name() string {
	return pd.name
}

// Done stops the prefetching goroutine and waits for it to finish. The dataset can no longer be used.
func (pd *PrefetchDataset[B]) Done() {
	if pd.impl != nil {
		impl := pd.impl
		pd.impl = nil
		impl.halt()
	}
}

// Reset implements train.Dataset. It discards the batches already prefetched, resets the underlying
// dataset and starts prefetching again.
func (pd *PrefetchDataset[B]) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("PrefetchDataset.Reset was called after PrefetchDataset.Done")
		return
	}
	impl.halt()
	pd.Dataset.Reset()
	pd.start()

	// This no-op prevents `pd` from being garbage collected and the goroutine killed in the middle
	// of the Reset operation. Leave this at the end.
	pd.keepAlive++
}

// Yield implements train.Dataset.
func (pd *PrefetchDataset[B]) Yield() (batch B, err error) {
	impl := pd.impl
	if impl == nil {
		err = errors.Errorf("PrefetchDataset.Yield was called after it was stopped with PrefetchDataset.Done")
		return
	}
	unit, ok := <-impl.buffer
	if !ok {
		// Production stopped on an error already returned: keep returning it until Reset.
		err = impl.err
		if err == nil {
			err = errors.Errorf("PrefetchDataset(%s) stopped", pd.name)
		}
		return
	}
	batch, err = unit.batch, unit.err

	// This no-op prevents `pd` from being garbage collected and the goroutine killed in the middle
	// of the Yield operation. Leave this at the end.
	pd.keepAlive++
	return
}
