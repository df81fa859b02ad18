package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netd/internal/conf"
	"netd/internal/discovery"
	"netd/internal/dispatch"
	"netd/internal/flog"
	"netd/internal/metrics"
	"netd/internal/reactor"
	"netd/internal/registry"
	"netd/internal/wire"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the netd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the server YAML configuration")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error, fatal, none)")

	return cmd
}

func runServe(configPath, logLevelOverride string) error {
	var c *conf.Conf
	var err error
	if configPath != "" {
		c, err = conf.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
	} else {
		c = conf.Default()
	}

	if logLevelOverride != "" {
		c.Log.Level = logLevelOverride
	}
	flog.SetLevel(c.LogLevel())
	defer flog.Close()

	reg := registry.New()
	disp := dispatch.New()
	codec := wire.NewCodec(wire.TextCodec{})

	discoveryHandler := discovery.New(2*time.Second, func() any {
		return "netd"
	})

	rcfg := reactor.Config{
		TCPAddr:          c.Listen.TCPAddr,
		UDPAddr:          c.Listen.UDPAddr,
		WriteBufferSize:  c.Limits.WriteBufferSize,
		ObjectBufferSize: c.Limits.ObjectBufferSize,
		KeepAliveMillis:  c.Limits.KeepAliveMillis,
		TimeoutMillis:    c.Limits.TimeoutMillis,
		IdleThreshold:    c.Limits.IdleThreshold,
		MaxConnections:   c.Limits.MaxConnections,
	}

	server := reactor.New(rcfg, codec, reg, disp, discoveryHandler)
	if err := server.Bind(); err != nil {
		return fmt.Errorf("binding: %w", err)
	}
	flog.Infof("netd listening on tcp=%s udp=%s", c.Listen.TCPAddr, c.Listen.UDPAddr)

	ctx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()

	var collectors *metrics.Collectors
	if c.Metrics.Enabled {
		collectors = metrics.New()
		server.SetMetrics(collectors)
		go func() {
			if err := collectors.Serve(ctx, c.Metrics.Addr); err != nil {
				flog.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case sig := <-sigCh:
		flog.Infof("received %s, shutting down", sig)
		server.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
