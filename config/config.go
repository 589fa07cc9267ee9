// Package config loads the endpoint configuration from a file and the environment.
package config

//go:generate go tool errtrace -w .

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/viper"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

// EnvPrefix prefixes environment variables overriding file values,
// e.g. SIPCORE_TIMING_T1=250ms or SIPCORE_LOG_LEVEL=debug.
const EnvPrefix = "SIPCORE"

// Config is the root configuration.
type Config struct {
	Log      Log      `mapstructure:"log"`
	Timing   Timing   `mapstructure:"timing"`
	Endpoint Endpoint `mapstructure:"endpoint"`
	Listen   []Listen `mapstructure:"listen"`
}

// Log configures the default logger.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Timing holds the transaction timer base values. Zero values mean RFC 3261 defaults.
type Timing struct {
	T1      time.Duration `mapstructure:"t1"`
	T2      time.Duration `mapstructure:"t2"`
	T4      time.Duration `mapstructure:"t4"`
	TimeD   time.Duration `mapstructure:"time_d"`
	Time100 time.Duration `mapstructure:"time_100"`
}

// Endpoint configures the [sip.Endpoint].
type Endpoint struct {
	SentByHost      string        `mapstructure:"sent_by_host"`
	AllowMethods    []string      `mapstructure:"allow_methods"`
	FlowIdleTimeout time.Duration `mapstructure:"flow_idle_timeout"`
	TableShards     uint          `mapstructure:"table_shards"`
	// ModuleTieBreak is "registration" or "name".
	ModuleTieBreak string `mapstructure:"module_tie_break"`
}

// Listen is a transport to listen on.
type Listen struct {
	// Proto is "udp" or "tcp".
	Proto string `mapstructure:"proto"`
	Addr  string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(log.FormatConsole))
	v.SetDefault("log.add_source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("timing.t1", sip.T1)
	v.SetDefault("timing.t2", sip.T2)
	v.SetDefault("timing.t4", sip.T4)
	v.SetDefault("timing.time_d", sip.TimeD)
	v.SetDefault("timing.time_100", sip.Time100)

	v.SetDefault("endpoint.sent_by_host", "")
	v.SetDefault("endpoint.allow_methods", sip.DefaultAllowMethods)
	v.SetDefault("endpoint.flow_idle_timeout", sip.DefaultFlowIdleTimeout)
	v.SetDefault("endpoint.table_shards", 32)
	v.SetDefault("endpoint.module_tie_break", "registration")
}

// Load reads the configuration file at path and applies environment overrides.
// An empty path loads defaults and the environment only.
// The file format is detected by the extension (YAML, JSON, TOML).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch log.Format(c.Log.Format) {
	case "", log.FormatConsole, log.FormatDev, log.FormatJSON:
	default:
		errs = append(errs, sip.NewInvalidArgumentError("unknown log format %q", c.Log.Format))
	}
	if c.Timing.T1 < 0 || c.Timing.T2 < 0 || c.Timing.T4 < 0 || c.Timing.TimeD < 0 || c.Timing.Time100 < 0 {
		errs = append(errs, sip.NewInvalidArgumentError("negative timer value"))
	}
	if c.Timing.T1 > 0 && c.Timing.T2 > 0 && c.Timing.T2 < c.Timing.T1 {
		errs = append(errs, sip.NewInvalidArgumentError("T2 %s is less than T1 %s", c.Timing.T2, c.Timing.T1))
	}
	switch c.Endpoint.ModuleTieBreak {
	case "", "registration", "name":
	default:
		errs = append(errs, sip.NewInvalidArgumentError("unknown module tie break %q", c.Endpoint.ModuleTieBreak))
	}
	for _, l := range c.Listen {
		switch sip.TransportProto(l.Proto).Canonic() {
		case sip.TransportUDP, sip.TransportTCP:
		default:
			errs = append(errs, sip.NewInvalidArgumentError("unsupported listen protocol %q", l.Proto))
		}
	}
	return errtrace.Wrap(errorutil.JoinPrefix("invalid config:", errs...))
}

func (c Log) level() (slog.Level, error) {
	var lvl slog.Level
	if c.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, errtrace.Wrap(sip.NewInvalidArgumentError(err))
	}
	return lvl, nil
}

// LogOptions converts the log section to [log.Options].
func (c *Config) LogOptions() *log.Options {
	lvl, _ := c.Log.level()
	opts := &log.Options{
		Level:     lvl,
		Format:    log.Format(c.Log.Format),
		AddSource: c.Log.AddSource,
	}
	if c.Log.File != "" {
		opts.File = &log.FileOptions{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSize,
			MaxAge:     c.Log.MaxAge,
			MaxBackups: c.Log.MaxBackups,
		}
	}
	return opts
}

// Timings converts the timing section to [sip.TimingConfig].
func (c *Config) Timings() sip.TimingConfig {
	return sip.NewTimings(c.Timing.T1, c.Timing.T2, c.Timing.T4, c.Timing.TimeD, c.Timing.Time100)
}

// EndpointOptions converts the configuration to [sip.EndpointOptions].
func (c *Config) EndpointOptions(logger *slog.Logger) *sip.EndpointOptions {
	tb := sip.TieBreakRegistration
	if c.Endpoint.ModuleTieBreak == "name" {
		tb = sip.TieBreakName
	}
	return &sip.EndpointOptions{
		Timings:         c.Timings(),
		SentByHost:      c.Endpoint.SentByHost,
		AllowMethods:    c.Endpoint.AllowMethods,
		FlowIdleTimeout: c.Endpoint.FlowIdleTimeout,
		ModuleTieBreak:  tb,
		TableShards:     c.Endpoint.TableShards,
		Logger:          logger,
	}
}

// ListenTransports opens the transports of the listen section.
// Transports opened before a failure are closed.
func (c *Config) ListenTransports(ctx context.Context, logger *slog.Logger) ([]sip.Transport, error) {
	var tps []sip.Transport
	closeAll := func() {
		for _, tp := range tps {
			if ls, ok := tp.(sip.Listener); ok {
				ls.Close()
			}
		}
	}

	for _, l := range c.Listen {
		var (
			tp  sip.Transport
			err error
		)
		switch sip.TransportProto(l.Proto).Canonic() {
		case sip.TransportUDP:
			tp, err = sip.ListenUDP(ctx, l.Addr, &sip.UDPTransportOptions{Logger: logger})
		case sip.TransportTCP:
			tp, err = sip.ListenTCP(ctx, l.Addr, &sip.TCPTransportOptions{Logger: logger})
		default:
			err = sip.NewInvalidArgumentError("unsupported listen protocol %q", l.Proto)
		}
		if err != nil {
			closeAll()
			return nil, errtrace.Wrap(err)
		}
		tps = append(tps, tp)
	}
	return tps, nil
}
