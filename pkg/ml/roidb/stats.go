// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package roidb

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// Stats summarizes the contents of a Roidb.
type Stats struct {
	NumImages, NumEmpty, NumMalformed int

	// NumObjects is the total number of labeled objects over the well-formed records.
	NumObjects int

	// ClassCounts holds the number of objects per class.
	ClassCounts map[int32]int
}

// Stats collects statistics over all records.
func (db Roidb) Stats() Stats {
	s := Stats{
		NumImages:   len(db),
		ClassCounts: make(map[int32]int),
	}
	for _, r := range db {
		n, err := r.NumObjects()
		if err != nil {
			s.NumMalformed++
			continue
		}
		if n == 0 {
			s.NumEmpty++
			continue
		}
		s.NumObjects += n
		for _, class := range r.GtClasses {
			s.ClassCounts[class]++
		}
	}
	return s
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s images (%s empty, %s malformed), %s objects",
		humanize.Comma(int64(s.NumImages)), humanize.Comma(int64(s.NumEmpty)),
		humanize.Comma(int64(s.NumMalformed)), humanize.Comma(int64(s.NumObjects)))
	if len(s.ClassCounts) > 0 {
		sb.WriteString(", per class:")
		for _, class := range slices.Sorted(maps.Keys(s.ClassCounts)) {
			fmt.Fprintf(&sb, " %d=%s", class, humanize.Comma(int64(s.ClassCounts[class])))
		}
	}
	return sb.String()
}
