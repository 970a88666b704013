package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/kadnet"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// duration reads and writes time.Duration as "1s", "5m0s".
type duration struct {
	time.Duration
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type nodeConfig struct {
	ListenAddr string
	Bootstrap  []string
	KeyFile    string `toml:",omitempty"`

	TickInterval   duration
	LookupInterval duration
	MaxSkew        duration

	PingEveryTicks     int
	DropDelayTicks     int
	LookupTimeoutTicks int
	MaxOpenAttempts    int
}

type metricsConfig struct {
	Addr string `toml:",omitempty"`
}

type kadnodeConfig struct {
	Node    nodeConfig
	Metrics metricsConfig
}

func defaultConfig() kadnodeConfig {
	opts := kadnet.NewOptions()
	return kadnodeConfig{
		Node: nodeConfig{
			ListenAddr:         opts.ListenAddr,
			TickInterval:       duration{opts.TickInterval},
			LookupInterval:     duration{opts.LookupInterval},
			MaxSkew:            duration{opts.MaxSkew},
			PingEveryTicks:     opts.PingEveryTicks,
			DropDelayTicks:     opts.DropDelayTicks,
			LookupTimeoutTicks: opts.LookupTimeoutTicks,
			MaxOpenAttempts:    opts.MaxOpenAttempts,
		},
	}
}

func loadConfig(file string, cfg *kadnodeConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig layers defaults, the config file and then command line flags.
func makeConfig(ctx *cli.Context) (kadnodeConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}

	if ctx.IsSet(listenFlag.Name) {
		cfg.Node.ListenAddr = ctx.String(listenFlag.Name)
	}
	if ctx.IsSet(bootstrapFlag.Name) {
		cfg.Node.Bootstrap = ctx.StringSlice(bootstrapFlag.Name)
	}
	if ctx.IsSet(keyFlag.Name) {
		cfg.Node.KeyFile = ctx.String(keyFlag.Name)
	}
	if ctx.IsSet(tickFlag.Name) {
		cfg.Node.TickInterval = duration{ctx.Duration(tickFlag.Name)}
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Metrics.Addr = ctx.String(metricsFlag.Name)
	}
	return cfg, nil
}

// options converts the node section into kadnet options.
func (c nodeConfig) options() *kadnet.Options {
	opts := kadnet.NewOptions()
	opts.ListenAddr = c.ListenAddr
	opts.Bootstrap = c.Bootstrap
	opts.TickInterval = c.TickInterval.Duration
	opts.LookupInterval = c.LookupInterval.Duration
	opts.MaxSkew = c.MaxSkew.Duration
	opts.PingEveryTicks = c.PingEveryTicks
	opts.DropDelayTicks = c.DropDelayTicks
	opts.LookupTimeoutTicks = c.LookupTimeoutTicks
	opts.MaxOpenAttempts = c.MaxOpenAttempts
	return opts
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(out)
	return err
}
