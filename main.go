// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MatthiasValvekens/usbip-server/driver"
	"github.com/MatthiasValvekens/usbip-server/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"

	deviceDiscoveryInterval = 3 * time.Second
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	selector, err := getConfiguredExport()
	if err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := usbip.NewServer(
		usbip.Options{MaxInFlight: viper.GetInt64("max-inflight")},
		log.With(logger, "component", "usbip"),
		r,
	)

	var g run.Group
	{
		// Run the HTTP server for health and metrics.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Accept USB/IP connections.
		lc := net.ListenConfig{
			KeepAliveConfig: net.KeepAliveConfig{
				Enable:   true,
				Idle:     viper.GetDuration("keepalive-idle"),
				Interval: viper.GetDuration("keepalive-interval"),
				Count:    viper.GetInt("keepalive-count"),
			},
		}
		listen := viper.GetString("usbip-listen")
		l, err := lc.Listen(context.Background(), "tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", listen)
		}
		g.Add(func() error {
			_ = logger.Log("msg", fmt.Sprintf("Accepting USB/IP connections on %s.", listen))
			return srv.Serve(l)
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Route host transfer completions back onto the wire.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return srv.RunCompletionRouter(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		// Discover and attach the exported device.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return exportDevice(ctx, srv, selector, logger)
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

// exportDevice polls sysfs until a device matching the selector shows up,
// opens it through usbfs and publishes it. It holds the device until
// shutdown.
func exportDevice(ctx context.Context, srv *usbip.Server, selector driver.DeviceSelector, logger log.Logger) error {
	enum := driver.NewSysfsEnumerator(os.DirFS(driver.Sys), log.With(logger, "component", "sysfs"))
	var host driver.Host
	for host == nil {
		dev, err := enum.FindDevice(selector)
		if err == nil {
			host, err = driver.OpenSysfsDevice(dev, log.With(logger, "component", "usbfs"))
			if err != nil {
				return errors.Wrapf(err, "failed to open device %s", dev.BusId)
			}
			if err := srv.Attach(host); err != nil {
				_ = host.Close()
				return errors.Wrap(err, "failed to attach device")
			}
			break
		}
		_ = level.Info(logger).Log("msg", "no matching device yet, sleeping for a while...", "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(deviceDiscoveryInterval):
		}
	}
	<-ctx.Done()
	srv.Detach()
	return host.Close()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
