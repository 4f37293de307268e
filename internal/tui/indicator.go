package tui

import (
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"wfpscan/internal/progress"
)

// Indicator runs the progress Model as a bubbletea program and feeds it
// tracker updates. It implements progress.Indicator.
type Indicator struct {
	updates chan progress.Update
	done    chan struct{}
}

// NewIndicator starts a progress display on out. Keyboard input is not read;
// interrupts are left to the caller.
func NewIndicator(total int, out io.Writer) *Indicator {
	ind := &Indicator{
		updates: make(chan progress.Update, 64),
		done:    make(chan struct{}),
	}
	program := tea.NewProgram(NewModel(ind.updates, total),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	go func() {
		defer close(ind.done)
		_, _ = program.Run()
	}()
	return ind
}

// Indicators returns a factory suitable for progress.Options.
func Indicators(out io.Writer) progress.IndicatorFunc {
	return func(total int) progress.Indicator {
		return NewIndicator(total, out)
	}
}

func (i *Indicator) Update(u progress.Update) {
	select {
	case i.updates <- u:
	case <-i.done:
	}
}

// Close ends the display and waits for the program to restore the terminal.
func (i *Indicator) Close() {
	close(i.updates)
	<-i.done
}
