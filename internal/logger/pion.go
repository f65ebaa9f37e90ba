package logger

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PionFactory routes pion's internal logging through zerolog.
type PionFactory struct {
	// Level caps pion's verbosity below the global level; pion is chatty at debug.
	Level zerolog.Level
}

var _ logging.LoggerFactory = PionFactory{}

// NewLogger implements logging.LoggerFactory.
func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.Logger.Level(f.Level).With().Str("module", "pion."+scope).Logger()
	return &pionLogger{log: l}
}

type pionLogger struct {
	log zerolog.Logger
}

func (p *pionLogger) Trace(msg string) { p.log.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Debug(msg string) { p.log.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.log.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Info(msg string) { p.log.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.log.Info().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.log.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.log.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.log.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.log.Error().Msg(fmt.Sprintf(format, args...))
}
