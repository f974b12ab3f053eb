// Package cliui holds the terminal styles and small widgets shared by the
// chatrelay commands.
package cliui

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("39")
	grey   = lipgloss.Color("245")
	dim    = lipgloss.Color("241")
	light  = lipgloss.Color("252")

	markdownWidth = 80
	frameInterval = 80 * time.Millisecond
)

var (
	SuccessMark = lipgloss.NewStyle().Foreground(green).Render("✓")
	FailMark    = lipgloss.NewStyle().Foreground(red).Render("✗")

	StepStyle   = lipgloss.NewStyle().Foreground(grey)
	DimStyle    = lipgloss.NewStyle().Foreground(dim)
	KeyStyle    = lipgloss.NewStyle().Foreground(grey).Bold(true)
	ValueStyle  = lipgloss.NewStyle().Foreground(light)
	NameStyle   = lipgloss.NewStyle().Foreground(blue).Bold(true)
	IDStyle     = lipgloss.NewStyle().Foreground(orange)
	HeaderStyle = lipgloss.NewStyle().Foreground(light).Bold(true)
	WarnStyle   = lipgloss.NewStyle().Foreground(orange).Bold(true)

	frameStyle = lipgloss.NewStyle().Foreground(green)
	frames     = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}
)

// spinner redraws a single status line until stop is called.
type spinner struct {
	w      io.Writer
	msg    string
	done   chan struct{}
	exited chan struct{}
}

func startSpinner(w io.Writer, msg string) *spinner {
	s := &spinner{
		w:      w,
		msg:    msg,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *spinner) run() {
	defer close(s.exited)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		fmt.Fprintf(s.w, "\r  %s %s", frameStyle.Render(frames[i%len(frames)]), s.msg)
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// stop returns once the last frame has been drawn.
func (s *spinner) stop() {
	close(s.done)
	<-s.exited
}

// Step shows a spinner next to msg while fn runs and then prints the outcome
// of fn with its duration on the same line.
func Step(w io.Writer, msg string, fn func() error) error {
	sp := startSpinner(w, msg)
	started := time.Now()

	err := fn()

	sp.stop()
	fmt.Fprintf(w, "\r  %s %s %s\n", Mark(err), msg, StepStyle.Render("("+FormatDuration(time.Since(started))+")"))
	return err
}

func Mark(err error) string {
	if err != nil {
		return FailMark
	}
	return SuccessMark
}

// FormatDuration prints d as "12ms", "3.2s" or "2m5s".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

// RenderMarkdown renders content for the terminal with glamour. On failure
// content comes back unchanged along with the error.
func RenderMarkdown(content string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(markdownWidth),
	)
	if err != nil {
		return content, err
	}

	out, err := r.Render(content)
	if err != nil {
		return content, err
	}
	return out, nil
}
