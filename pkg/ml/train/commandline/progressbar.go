// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools to display the progress of a train.Loop on the
// command line.
package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/roidata/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "roidata.ml.train.commandline.progressBar"

// StatsKey is the key in train.Loop.SharedData where the statistics displayed at the end of
// a run are stored. Use PublishStat to set them.
const StatsKey = "roidata.ml.train.commandline.stats"

// Stat is one named value displayed in the statistics table.
type Stat struct {
	Name, Value string
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	statsStyle        = lipgloss.NewStyle().PaddingLeft(8)
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	writer io.Writer
	colors bool
	bar    *progressbar.ProgressBar
}

// PublishStat sets the value of the statistic with the given name, to be displayed at the end of the run.
// Statistics are displayed in the order they were first published.
func PublishStat[B any](loop *train.Loop[B], name, value string) {
	stats, _ := loop.SharedData[StatsKey].([]Stat)
	idx := slices.IndexFunc(stats, func(s Stat) bool { return s.Name == name })
	if idx >= 0 {
		stats[idx].Value = value
	} else {
		stats = append(stats, Stat{Name: name, Value: value})
	}
	loop.SharedData[StatsKey] = stats
}

// RenderStats renders the statistics in a table.
func RenderStats(stats []Stat) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, s := range stats {
		table.Row(s.Name, s.Value)
	}
	return statsStyle.Render(table.String())
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run it will display a progress bar, and at the end a table with the statistics
// published with PublishStat.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
func AttachProgressBar[B any](loop *train.Loop[B]) {
	AttachProgressBarWithWriter(loop, os.Stdout)
}

// AttachProgressBarWithWriter is like AttachProgressBar, but writes to w.
func AttachProgressBarWithWriter[B any](loop *train.Loop[B], w io.Writer) {
	pBar := &progressBar{writer: w}
	if f, ok := w.(*os.File); ok {
		pBar.colors = termenv.NewOutput(f).ColorProfile() != termenv.Ascii
	}
	if !pBar.colors {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	loop.OnStart(ProgressBarName, 0, func(loop *train.Loop[B], ds train.Dataset[B]) error {
		numSteps := loop.EndStep - loop.StartStep
		pBar.bar = progressbar.NewOptions(numSteps,
			progressbar.OptionSetDescription(fmt.Sprintf("Training on %s (%d steps): ", ds.Name(), numSteps)),
			progressbar.OptionUseANSICodes(pBar.colors),
			progressbar.OptionEnableColorCodes(pBar.colors),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetWriter(pBar.writer),
		)
		return nil
	})
	loop.OnStep(ProgressBarName, 0, func(_ *train.Loop[B], _ B) error {
		return pBar.bar.Add(1)
	})
	loop.OnEnd(ProgressBarName, 0, func(loop *train.Loop[B]) error {
		if err := pBar.bar.Finish(); err != nil {
			return err
		}
		fmt.Fprintln(pBar.writer)
		if stats, _ := loop.SharedData[StatsKey].([]Stat); len(stats) > 0 {
			fmt.Fprintln(pBar.writer, RenderStats(stats))
		}
		return nil
	})
}
