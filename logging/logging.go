// Package logging configures the process-wide standard logger.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/natefinch/lumberjack"

	"github.com/votuanthanh/opcua-bridge/config"
)

// Setup points the standard logger at stderr, or at a rotating file when
// cfg.File is set. The returned closer releases the file; it is a no-op for
// stderr.
func Setup(cfg config.LogConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	w, closer := Writer(cfg)
	log.SetOutput(w)
	return closer
}

// Writer returns the sink described by cfg.
func Writer(cfg config.LogConfig) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return lj, lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
