// kadnode runs a standalone kadnet node.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Address to listen on and announce to peers (empty to only dial out)",
		Value: kadnet.DefaultListenAddr,
	}
	bootstrapFlag = &cli.StringSliceFlag{
		Name:  "bootstrap",
		Usage: "Bootstrap node address; the first one is trusted to report our external address",
	}
	keyFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "Identity key file, created when missing",
	}
	tickFlag = &cli.DurationFlag{
		Name:  "tick",
		Usage: "Maintenance tick interval",
		Value: time.Second,
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics",
		Usage: "Serve Prometheus metrics on this address",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level (panic, fatal, error, warn, info, debug, trace)",
		Value: "info",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "kadnode",
		Usage: "Kademlia peer discovery node",
		Flags: []cli.Flag{
			configFlag,
			listenFlag,
			bootstrapFlag,
			keyFlag,
			tickFlag,
			metricsFlag,
			verbosityFlag,
		},
		Before: func(ctx *cli.Context) error {
			level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
		Action: runNode,
		Commands: []*cli.Command{
			{
				Name:   "dumpconfig",
				Usage:  "Show configuration values",
				Action: dumpConfig,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	opts := cfg.Node.options()
	if cfg.Node.KeyFile != "" {
		if opts.KeyPair, err = crypto.LoadOrCreateKeyFile(cfg.Node.KeyFile); err != nil {
			return err
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	node, err := kadnet.New(opts)
	if err != nil {
		return err
	}
	defer node.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx.Context); err != nil {
		return err
	}

	if metricsServer != nil {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "runNode",
					"addr":     cfg.Metrics.Addr,
					"error":    err.Error(),
				}).Error("Metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "runNode",
		"id":        node.ID().String(),
		"listen":    opts.ListenAddr,
		"bootstrap": opts.Bootstrap,
	}).Info("Node running")

	<-sigCtx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if contacts, err := node.Contacts(shutdown); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "runNode",
			"contacts": len(contacts),
		}).Info("Shutting down")
	}
	return nil
}
