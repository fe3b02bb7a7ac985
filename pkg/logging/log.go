package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func SetupLogger() {
	// TODO: Make color configurable? Disabled so we don't have to deal with ANSI escape codes in our logoutput
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true}
	output.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("[ %s ]", i)
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func GetLogger() zerolog.Logger {
	return log.Logger
}

// LogError writes err to logger. Composite errors are unrolled so that every
// underlying cause gets its own log line.
func LogError(logger zerolog.Logger, err error, msg string) {
	causes := Causes(err)
	if len(causes) == 1 {
		logger.Error().Err(err).Msg(msg)
		return
	}
	logger.Error().Err(err).Int("causes", len(causes)).Msg(msg)
	for i, cause := range causes {
		logger.Error().Err(cause).Int("cause", i+1).Msg(msg)
	}
}

// Causes flattens err into its individual causes. Errors that do not carry a
// multierror yield a single element slice.
func Causes(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) == 0 {
		return []error{err}
	}
	causes := make([]error, 0, len(merr.Errors))
	for _, cause := range merr.Errors {
		causes = append(causes, Causes(cause)...)
	}
	return causes
}
