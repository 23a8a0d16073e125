// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package roidb

import "github.com/pkg/errors"

// Error kinds returned (wrapped with more context) by this package and by the datasets package.
// Check for them with errors.Is.
var (
	// ErrInvalidDataset is returned when a roidb is empty, or when it has no image with labeled objects
	// and the sampling policy requires them.
	ErrInvalidDataset = errors.New("invalid roidb")

	// ErrMalformedRecord is returned when an ImageRecord lacks its object annotations or they are inconsistent.
	ErrMalformedRecord = errors.New("malformed roidb record")

	// ErrInvalidConfig is returned when a sampler is configured with values it cannot honor.
	ErrInvalidConfig = errors.New("invalid configuration")
)
