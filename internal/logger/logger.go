package logger

import (
	"go.uber.org/zap"
)

// New returns a production zap logger, or a development one (console
// encoder, debug level) when development is set.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
