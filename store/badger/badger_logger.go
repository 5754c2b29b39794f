package badger

import "github.com/rs/zerolog"

// Wrap our zerolog with the Logger interface badger has exposed. Badger is
// chatty at info level so that goes to debug.

type badgerLogger struct {
	logger zerolog.Logger
}

func (b badgerLogger) Errorf(fmt string, v ...interface{}) {
	b.logger.Error().Msgf(fmt, v...)
}

func (b badgerLogger) Warningf(fmt string, v ...interface{}) {
	b.logger.Warn().Msgf(fmt, v...)
}

func (b badgerLogger) Infof(fmt string, v ...interface{}) {
	b.logger.Debug().Msgf(fmt, v...)
}

func (b badgerLogger) Debugf(fmt string, v ...interface{}) {
	b.logger.Debug().Msgf(fmt, v...)
}
