package pion

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory routes pion's internal logs to zerolog. pion's trace
// level maps to zerolog's trace and is dropped at the usual levels.
type loggerFactory struct {
	base zerolog.Logger
}

var _ logging.LoggerFactory = loggerFactory{}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveled{l: f.base.With().Str("component", "pion").Str("scope", scope).Logger()}
}

type leveled struct {
	l zerolog.Logger
}

func (p leveled) Trace(msg string) { p.l.Trace().Msg(msg) }
func (p leveled) Tracef(format string, args ...any) {
	p.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p leveled) Debug(msg string) { p.l.Debug().Msg(msg) }
func (p leveled) Debugf(format string, args ...any) {
	p.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p leveled) Info(msg string) { p.l.Info().Msg(msg) }
func (p leveled) Infof(format string, args ...any) {
	p.l.Info().Msg(fmt.Sprintf(format, args...))
}
func (p leveled) Warn(msg string) { p.l.Warn().Msg(msg) }
func (p leveled) Warnf(format string, args ...any) {
	p.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p leveled) Error(msg string) { p.l.Error().Msg(msg) }
func (p leveled) Errorf(format string, args ...any) {
	p.l.Error().Msg(fmt.Sprintf(format, args...))
}
