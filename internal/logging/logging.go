package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/inconshreveable/log15"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`

	// Rotation of File.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	// BufferLines is how many recent lines the in-memory buffer keeps for
	// the HTTP log endpoint.
	BufferLines int `yaml:"buffer_lines"`
}

func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 4
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	if c.BufferLines <= 0 {
		c.BufferLines = DefaultBufferLines
	}
}

func (c Config) Validate() error {
	if _, err := log15.LvlFromString(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error, crit", c.Level)
	}
	return nil
}

// Setup installs the root log15 handler: terminal output on stdout, logfmt
// into the in-memory buffer, and logfmt into a rotating file when one is
// configured. The returned closer flushes and closes the file.
func Setup(cfg Config, stdout io.Writer) (*Buffer, io.Closer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	lvl, _ := log15.LvlFromString(strings.ToLower(cfg.Level))
	if stdout == nil {
		stdout = os.Stdout
	}

	buf := NewBuffer(cfg.BufferLines)
	handlers := []log15.Handler{
		log15.StreamHandler(stdout, log15.TerminalFormat()),
		log15.StreamHandler(buf, log15.LogfmtFormat()),
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		handlers = append(handlers, log15.StreamHandler(lj, log15.LogfmtFormat()))
		closer = lj
	}

	log15.Root().SetHandler(log15.LvlFilterHandler(lvl, log15.MultiHandler(handlers...)))
	return buf, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
