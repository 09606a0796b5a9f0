package app

import (
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/dicer-proj/dicer/modules/frontend"
	"github.com/dicer-proj/dicer/modules/storage"
)

type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Store    storage.Config  `yaml:"store"`
	Frontend frontend.Config `yaml:"frontend"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, prefix+"log.format", "logfmt", "Log format, either logfmt or json.")

	c.Store.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Frontend.RegisterFlagsAndApplyDefaults(prefix, f)
}
