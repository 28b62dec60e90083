// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gantry-ci/gantry/lib/build"
)

// pollInterval is the re-render interval while jobs run: it drives the
// spinner and the result-stream progress poll.
const pollInterval = 100 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Colors use lipgloss ANSI 256-color codes for broad terminal
// compatibility.
var (
	runTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	runOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("114")) // green
	runFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	runWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // yellow/amber
	runFaintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	runHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// runKeyMap defines the key bindings for the run display.
type runKeyMap struct {
	Cancel key.Binding
}

var defaultRunKeys = runKeyMap{
	Cancel: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "interrupt"),
	),
}

// jobStartedMsg announces that a matrix job began executing.
type jobStartedMsg struct {
	index int
}

// jobFinishedMsg carries a finished job's result.
type jobFinishedMsg struct {
	index  int
	result *build.JobResult
}

// runDoneMsg announces that every job has finished.
type runDoneMsg struct{}

// pollTickMsg is sent periodically while jobs run; each tick advances
// the spinner and re-reads the running job's result stream.
type pollTickMsg struct{}

// runModel is the inline status display for a local run. It never
// reads the engine's mutable state: job outcomes arrive as messages,
// and progress comes from re-reading the running job's result stream,
// which the executor only appends to.
type runModel struct {
	run    *localRun
	cancel context.CancelFunc
	keys   runKeyMap

	results []*build.JobResult

	// totals holds the required command count per job (provision,
	// install, script), fixed before the run starts.
	totals []int

	running      int
	progress     string
	commandsDone int

	frame     int
	width     int
	canceling bool
	done      bool
}

func newRunModel(run *localRun, cancel context.CancelFunc) runModel {
	totals := make([]int, len(run.build.Jobs))
	for i, tc := range run.toolchains {
		totals[i] = len(tc.Activate) + len(run.declaration.Install) + len(run.declaration.Script)
	}
	return runModel{
		run:     run,
		cancel:  cancel,
		keys:    defaultRunKeys,
		results: make([]*build.JobResult, len(run.build.Jobs)),
		totals:  totals,
		running: -1,
		width:   80,
	}
}

// Init implements tea.Model.
func (model runModel) Init() tea.Cmd {
	return pollTick()
}

// Update implements tea.Model. The first ctrl+c cancels the run
// context; the display stays up until the engine has wound down every
// job and sent runDoneMsg.
func (model runModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		if key.Matches(message, model.keys.Cancel) {
			model.canceling = true
			model.cancel()
		}
		return model, nil

	case tea.WindowSizeMsg:
		model.width = message.Width
		return model, nil

	case jobStartedMsg:
		model.running = message.index
		model.progress = ""
		model.commandsDone = 0
		return model, nil

	case jobFinishedMsg:
		model.results[message.index] = message.result
		if model.running == message.index {
			model.running = -1
		}
		return model, nil

	case runDoneMsg:
		model.done = true
		return model, tea.Quit

	case pollTickMsg:
		model.frame++
		model.pollProgress()
		if model.done {
			return model, nil
		}
		return model, pollTick()
	}
	return model, nil
}

// pollProgress re-reads the running job's result stream. The stream is
// append-only JSONL with torn final lines dropped, so a mid-write read
// just shows one command less.
func (model *runModel) pollProgress() {
	if model.running < 0 {
		return
	}
	events, err := build.ReadResultEvents(model.run.resultPath(model.running))
	if err != nil {
		return
	}
	done := 0
	var last *build.CommandResult
	for i := range events {
		if events[i].Kind == build.EventCommand && events[i].Command != nil {
			done++
			last = events[i].Command
		}
	}
	model.commandsDone = done
	if last != nil {
		model.progress = last.Phase + ": " + trimToWidth(last.Command, model.width-30)
	}
}

// View implements tea.Model. Renders empty once the run is done so the
// summary table replaces the live display instead of repeating it.
func (model runModel) View() string {
	if model.done {
		return ""
	}
	b := model.run.build

	var view strings.Builder
	view.WriteString("  " + runTitleStyle.Render("gantry run") + " " + b.Pipeline +
		runFaintStyle.Render(" on "+b.Branch) + "\n\n")
	for i := range b.Jobs {
		view.WriteString(model.jobView(i) + "\n")
	}
	view.WriteString("\n  ")
	if model.canceling {
		view.WriteString(runWarnStyle.Render("interrupting, waiting for the running job"))
	} else {
		help := model.keys.Cancel.Help()
		view.WriteString(runHelpStyle.Render(help.Key + " " + help.Desc))
	}
	view.WriteString("\n")
	return view.String()
}

// jobView renders one matrix job row.
func (model runModel) jobView(index int) string {
	job := model.run.build.Jobs[index]
	version := fmt.Sprintf("%-8s", job.Version)

	if result := model.results[index]; result != nil {
		switch result.Conclusion {
		case build.ConclusionSuccess:
			return "  " + runOKStyle.Render("✓") + " " + version +
				runOKStyle.Render("success") + " " + runFaintStyle.Render(durationLabel(result.DurationMS))
		case build.ConclusionInterrupted:
			return "  " + runWarnStyle.Render("!") + " " + version +
				runWarnStyle.Render("interrupted")
		default:
			line := "  " + runFailStyle.Render("✗") + " " + version + runFailStyle.Render("failure")
			if result.FailedCommand != "" {
				line += " " + runFaintStyle.Render("("+result.FailedCommand+")")
			}
			return line + " " + runFaintStyle.Render(durationLabel(result.DurationMS))
		}
	}

	if index == model.running {
		frame := spinnerFrames[model.frame%len(spinnerFrames)]
		label := model.progress
		if label == "" {
			label = "starting"
		}
		counter := ""
		if total := model.totals[index]; total > 0 {
			done := min(model.commandsDone, total)
			counter = fmt.Sprintf(" (%d/%d)", done, total)
		}
		return "  " + runWarnStyle.Render(frame) + " " + version + label + runFaintStyle.Render(counter)
	}

	return "  " + runFaintStyle.Render("○") + " " + version + runFaintStyle.Render("waiting")
}

// pollTick schedules the next animation and progress-poll frame.
func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return pollTickMsg{}
	})
}

// trimToWidth shortens s to at most max runes, marking the cut with
// "...".
func trimToWidth(s string, max int) string {
	if max < 12 {
		max = 12
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// runWithTUI drives the run through an inline status display. The
// engine runs in a goroutine and reports through program.Send; ctrl+c
// cancels the run context, and the display exits once every job has
// finished. Captured output of failed jobs is replayed afterward.
func runWithTUI(ctx context.Context, run *localRun) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run.capture = true
	program := tea.NewProgram(newRunModel(run, cancel))
	run.notify = func(msg any) {
		program.Send(msg)
	}

	go run.execute(ctx)

	if _, err := program.Run(); err != nil {
		return err
	}

	for _, job := range run.build.Jobs {
		result := run.results[job.Index]
		output := run.outputs[job.Index]
		if result == nil || result.Conclusion == build.ConclusionSuccess || len(output) == 0 {
			continue
		}
		fmt.Printf("--- output %s ---\n", build.JobName(run.build, job, run.declaration.Language))
		os.Stdout.Write(output)
		if output[len(output)-1] != '\n' {
			fmt.Println()
		}
	}
	return nil
}
