package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logFile *os.File

// initLogging wires zerolog to write structured, timestamped records to
// both the console and a rotating-by-restart log file. LOG_FILE overrides
// the file path; LOG_LEVEL overrides the default debug verbosity.
func initLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.DebugLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	path := os.Getenv("LOG_FILE")
	if path == "" {
		path = "torrentswarm.log"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("logging: failed to create log directory")
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("logging: failed to open log file, logging to console only")
	} else {
		logFile = f
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if logFile != nil {
		writers = append(writers, logFile)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	log.Info().Msgf("torrentswarm v%s", VERSION)
}

// shutdownLogging closes the log file if one was opened, flushing any
// buffered writes before the process exits.
func shutdownLogging() {
	if logFile == nil {
		return
	}
	if err := logFile.Close(); err != nil {
		log.Error().Err(err).Msg("logging: failed to close log file")
	}
}
