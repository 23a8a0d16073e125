// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepFn executes one training step on the given batch.
type StepFn[B any] func(loop *Loop[B], batch B) error

// OnStartFn is the type of OnStart hooks.
type OnStartFn[B any] func(loop *Loop[B], ds Dataset[B]) error

// OnStepFn is the type of OnStep hooks. It is called after the step function, with the batch just used.
type OnStepFn[B any] func(loop *Loop[B], batch B) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn[B any] func(loop *Loop[B]) error

// Loop will run a training loop, pulling one batch from a Dataset and invoking the step function
// every step, and calling the appropriate hooks.
//
// It also converts errors thrown with `panic` by the step function and return them
// instead as normal errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// progress bars, statistics, early-stopping strategies, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop[B any] struct {
	// LoopStep currently being executed. It starts at 0 and continues across runs.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	//
	// It is only set and valid during a run (Loop.RunSteps).
	StartStep int

	// EndStep is one-past the last step to be executed.
	//
	// It is only set and valid during a run (Loop.RunSteps).
	EndStep int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	stepFn StepFn[B]

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn[B]]]
	onStep  *priorityHooks[*hookWithName[OnStepFn[B]]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn[B]]]
}

// NewLoop creates a new training loop that calls stepFn on every batch.
func NewLoop[B any](stepFn StepFn[B]) *Loop[B] {
	return &Loop[B]{
		SharedData: make(map[string]any),
		stepFn:     stepFn,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn[B]]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn[B]]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn[B]]](),
	}
}

// start of loop: it calls the appropriate hooks.
func (loop *Loop[B]) start(ds Dataset[B]) error {
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop: runs the step function and then calls the appropriate hooks.
func (loop *Loop[B]) step(batch B) error {
	startTime := time.Now()
	var err error
	if loop.stepFn != nil {
		panicErr := exceptions.TryCatch[error](func() { err = loop.stepFn(loop, batch) })
		if panicErr != nil {
			return errors.WithMessage(panicErr, "panic in step function")
		}
		if err != nil {
			return err
		}
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))

	for hook := range loop.onStep.All() {
		err = hook.fn(loop, batch)
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop: it calls the appropriate hooks.
func (loop *Loop[B]) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs the training loop for the given number of steps, pulling one batch per step from ds.
//
// If ds returns io.EOF before the requested number of steps it is an error: use a looping Dataset.
func (loop *Loop[B]) RunSteps(ds Dataset[B], steps int) error {
	if steps <= 0 {
		return nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err := loop.start(ds); err != nil {
		return err
	}

	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return errors.Errorf(
					"reached Dataset %q end after %d steps (requested %d steps) -- did you mean to use "+
						"a looping Dataset?", ds.Name(), loop.LoopStep-loop.StartStep, steps)
			}
			return errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset %q", steps, ds.Name())
		}
		err = loop.step(batch)
		if err != nil {
			return errors.WithMessagef(err, "Loop.RunSteps(%d): failed step (LoopStep=%d)", steps, loop.LoopStep)
		}
	}

	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop[B]) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop[B]) OnStart(name string, priority Priority, fn OnStartFn[B]) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn[B]]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after the step function.
func (loop *Loop[B]) OnStep(name string, priority Priority, fn OnStepFn[B]) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn[B]]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop[B]) OnEnd(name string, priority Priority, fn OnEndFn[B]) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn[B]]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
