package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"roomie_match/internal/config"
)

// NewLogger builds the root logger. Unknown levels fall back to info.
func NewLogger(cfg config.LogConfig) *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}
