/*
Usage:

	Three nodes on one host:
	  lobbyd -id node1 -port 4801 -http :8081 -peers node2:4802,node3:4803 -nodes node1:8081,node2:8082,node3:8083
	  lobbyd -id node2 -port 4802 -http :8082 -peers node1:4801,node3:4803 -nodes node1:8081,node2:8082,node3:8083
	  lobbyd -id node3 -port 4803 -http :8083 -peers node1:4801,node2:4802 -nodes node1:8081,node2:8082,node3:8083

	With a config file, flags given on the command line win:
	  lobbyd -config lobby.json -id node2
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danl5/golobby"
	"github.com/danl5/golobby/pkg/config"
	"github.com/danl5/golobby/pkg/log"
	"github.com/danl5/golobby/pkg/model"
	"github.com/danl5/golobby/pkg/transport/rpc"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "lobbyd:", err)
		os.Exit(1)
	}
}

// parseConfig loads the config file named by -config and applies the flags that were set.
func parseConfig(args []string, output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("lobbyd", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		configPath = fs.String("config", "", "path of a JSON config file")
		nodeID     = fs.String("id", "", "node id, the smallest id of the group is the master")
		group      = fs.String("group", "", "group name")
		host       = fs.String("host", "", "transport bind host")
		port       = fs.Int("port", 0, "transport bind port")
		peers      = fs.String("peers", "", "transport peers, id:port or id=host:port separated by comma")
		httpAddr   = fs.String("http", "", "http listen address")
		advertise  = fs.String("advertise", "", "host completing port-only table entries")
		nodes      = fs.String("nodes", "", "http node table, id:port or id=host:port separated by comma")
		probe      = fs.Duration("probe", 0, "membership probe interval")
		logLevel   = fs.String("log-level", "", "debug, info, warn or error")
		logFormat  = fs.String("log-format", "", "text or json")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	// only flags given on the command line override the file
	overrides := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			overrides["node_id"] = *nodeID
		case "group":
			overrides["group"] = *group
		case "host":
			overrides["transport_host"] = *host
		case "port":
			overrides["transport_port"] = *port
		case "peers":
			overrides["peers"] = *peers
		case "http":
			overrides["http_address"] = *httpAddr
		case "advertise":
			overrides["advertise_host"] = *advertise
		case "nodes":
			overrides["nodes"] = *nodes
		case "probe":
			overrides["probe_interval"] = probe.String()
		case "log-level":
			overrides["log_level"] = *logLevel
		case "log-format":
			overrides["log_format"] = *logFormat
		}
	})
	if err := config.Decode(overrides, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, output io.Writer) error {
	cfg, err := parseConfig(args, output)
	if err != nil {
		return err
	}

	logger, err := log.New(output, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	rpcTransport, err := rpc.NewRPC(logger)
	if err != nil {
		return err
	}
	node, err := golobby.NewNode(
		rpcTransport,
		&rpc.Config{
			Peers:          cfg.PeerAddresses(),
			ProbeInterval:  cfg.ProbeInterval,
			ConnectTimeout: seconds(cfg.ConnectTimeout),
		},
		&golobby.NodeConfig{
			ID:              cfg.NodeID,
			Group:           cfg.Group,
			Host:            cfg.TransportHost,
			Port:            cfg.TransportPort,
			Nodes:           cfg.NodeAddresses(),
			NotifyTimeout:   cfg.NotifyTimeout,
			CallBackTimeout: cfg.CallBackTimeout,
			CallBacks: &golobby.RoleCallBacks{
				EnterMaster: func(_ context.Context, st model.StateTransition) error {
					logger.Info("this node is the master now", "previous role", st.SrcState)
					return nil
				},
				LeaveMaster: func(_ context.Context, st model.StateTransition) error {
					logger.Info("this node is no longer the master", "master", st.MasterID)
					return nil
				},
			},
		}, logger)
	if err != nil {
		return err
	}

	if err := node.Run(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", "address", cfg.HTTPAddress, "node", cfg.NodeID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-node.Errors():
				logger.Warn("role callback failed", "error", err.Error())
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err.Error())
		}
		return node.Close()
	})
	return g.Wait()
}

// seconds converts to whole seconds, rounding up
func seconds(d time.Duration) uint {
	if d <= 0 {
		return 0
	}
	return uint((d + time.Second - 1) / time.Second)
}
