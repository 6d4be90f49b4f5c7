package speech

import (
	"github.com/rs/zerolog"
)

// Indicator is the user-visible status surface: the processing overlay
// shown while a reply is synthesized and the error overlay.
type Indicator interface {
	ShowProcessing()
	HideProcessing()
	ShowError(message string)
}

// LogIndicator writes indicator changes to the log. Used when no renderer
// is attached.
type LogIndicator struct {
	Logger zerolog.Logger
}

func (l LogIndicator) ShowProcessing() {
	l.Logger.Debug().Msg("Processing")
}

func (l LogIndicator) HideProcessing() {
	l.Logger.Debug().Msg("Processing done")
}

func (l LogIndicator) ShowError(message string) {
	l.Logger.Warn().Str("message", message).Msg("Speech error shown")
}
