package verify

import (
	"github.com/PlakarLabs/backupstore/appcontext"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/charmbracelet/lipgloss"
)

var (
	checkMark = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).SetString("✓")
	crossMark = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).SetString("✘")
)

func eventsProcessorStdio(ctx *appcontext.Context, quiet bool) chan struct{} {
	logger := ctx.GetLogger()
	listener := ctx.Events().Listen()

	done := make(chan struct{})
	go func() {
		for event := range listener {
			switch event := event.(type) {
			case events.FileMissing:
				logger.Warn("%s: %s %s: missing file", event.Snapshot, crossMark, event.Filename)
			case events.FileCorrupted:
				logger.Warn("%s: %s %s: %s", event.Snapshot, crossMark, event.Filename, event.Message)
			case events.FileOK:
				if !quiet {
					logger.Info("%s: %s %s", event.Snapshot, checkMark, event.Filename)
				}
			case events.Done:
				if !event.Success {
					logger.Warn("%s: %s failed", event.Operation, crossMark)
				} else if !quiet {
					logger.Info("%s: %s", event.Operation, checkMark)
				}
			default:
			}
		}
		done <- struct{}{}
	}()
	return done
}
