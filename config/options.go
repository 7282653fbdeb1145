package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

const (
	LogLevel          = "log-level"
	LogFormat         = "log-format"
	PluginConfig      = "plugin-config"
	MetricsAddress    = "metrics-address"
	ProcMount         = "proc-mount"
	Freeze            = "freeze"
	LoadKernelPlugins = "load-kernel-plugins"
	Restricted        = "restricted"
	Injections        = "injections"

	// EnvPrefix prefixes environment overrides, as in PATCHBAY_LOG_LEVEL.
	EnvPrefix = "patchbay"
)

// Options is the daemon configuration.
type Options struct {
	LogLevel          string      `mapstructure:"log-level"`
	LogFormat         string      `mapstructure:"log-format"`
	PluginConfig      string      `mapstructure:"plugin-config"`
	MetricsAddress    string      `mapstructure:"metrics-address"`
	ProcMount         string      `mapstructure:"proc-mount"`
	Freeze            bool        `mapstructure:"freeze"`
	LoadKernelPlugins bool        `mapstructure:"load-kernel-plugins"`
	Restricted        []string    `mapstructure:"restricted"`
	Injections        []Injection `mapstructure:"injections"`
}

// Injection is a baseline injection installed at startup into the
// privileged process. It is located either by Symbol or by Segment and
// Offset within Module.
type Injection struct {
	Module  string `mapstructure:"module"`
	Symbol  string `mapstructure:"symbol"`
	Segment int    `mapstructure:"segment"`
	Offset  uint64 `mapstructure:"offset"`
	Data    string `mapstructure:"data"`
}

// Bytes decodes Data, a hex string that may contain spaces.
func (in Injection) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(strings.Join(strings.Fields(in.Data), ""))
	if err != nil {
		return nil, fmt.Errorf("injection data: %v: %w", err, status.ErrInvalidArgs)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("injection data is empty: %w", status.ErrInvalidArgs)
	}
	return b, nil
}

// NewViper returns a viper instance with the option defaults and
// environment overrides set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(LogLevel, "info")
	v.SetDefault(LogFormat, "text")
	v.SetDefault(ProcMount, "/proc")
	v.SetDefault(Freeze, true)
	v.SetDefault(LoadKernelPlugins, false)
	return v
}

// Load reads the config file at path, if one is given, and decodes the
// resulting settings.
func Load(v *viper.Viper, path string) (Options, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("decoding options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks the options that can be checked without touching the
// system.
func (o Options) Validate() error {
	if _, err := o.RestrictedRanges(); err != nil {
		return err
	}
	for i, in := range o.Injections {
		if _, err := in.Bytes(); err != nil {
			return fmt.Errorf("injection %d: %w", i, err)
		}
		if in.Symbol == "" && in.Offset == 0 && in.Segment == 0 {
			return fmt.Errorf("injection %d has no location: %w", i, status.ErrInvalidArgs)
		}
	}
	return nil
}

// RestrictedRanges parses the restricted ranges, each written as
// "start-end" in any base strconv accepts.
func (o Options) RestrictedRanges() ([]procmap.Range, error) {
	out := make([]procmap.Range, 0, len(o.Restricted))
	for _, s := range o.Restricted {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseRange parses "start-end".
func ParseRange(s string) (procmap.Range, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return procmap.Range{}, fmt.Errorf("range %q: missing '-': %w", s, status.ErrInvalidArgs)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 0, 64)
	if err != nil {
		return procmap.Range{}, fmt.Errorf("range %q: %v: %w", s, err, status.ErrInvalidArgs)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 0, 64)
	if err != nil {
		return procmap.Range{}, fmt.Errorf("range %q: %v: %w", s, err, status.ErrInvalidArgs)
	}
	if end <= start {
		return procmap.Range{}, fmt.Errorf("range %q is empty: %w", s, status.ErrInvalidArgs)
	}
	return procmap.Range{Start: uintptr(start), End: uintptr(end)}, nil
}
