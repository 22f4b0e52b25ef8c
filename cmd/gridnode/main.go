// Command gridnode is the reference binary wiring a message bus, a Raft
// coordinator and one of the three distribution strategies into a
// running grid peer — the teacher's cmd/iris/main.go is the model for
// flag naming and startup sequencing (open store, optionally join,
// serve), translated from flag to cobra per this module's ambient stack.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	fglog "github.com/forestgiant/log"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
	gridmetrics "github.com/forestgiant/gridkv/metrics"
	"github.com/forestgiant/gridkv/strategy/federated"
	"github.com/forestgiant/gridkv/strategy/replicated"
	"github.com/forestgiant/gridkv/strategy/separated"
)

// instrumented is implemented by every strategy's Storage type; it's the
// subset gridnode exposes as Prometheus gauges when --metrics-addr is set.
type instrumented interface {
	Size() int
	OpenWaiters() int
}

const defaultBindAddr = ":13000"

func main() {
	var (
		bindAddr         string
		peerFlags        []string
		storageID        string
		strategy         string
		ttl              time.Duration
		bootstrap        bool
		minElectionMS    int
		heartbeatMS      int
		peerTimeoutMS    int
		requestTimeoutMS int
		metricsAddr      string
	)

	root := &cobra.Command{
		Use:   "gridnode",
		Short: "Run one peer of a distributed in-process key-value grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(bindAddr, peerFlags, storageID, strategy, ttl, bootstrap,
				minElectionMS, heartbeatMS, peerTimeoutMS, requestTimeoutMS, metricsAddr)
		},
	}

	root.Flags().StringVar(&bindAddr, "bind", defaultBindAddr, "bind address for this node's message bus")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	root.Flags().StringSliceVar(&peerFlags, "peer", nil, "known peer as endpoint-id@address, repeatable")
	root.Flags().BoolVar(&bootstrap, "bootstrap", false, "seed a new cluster with this node as its first voter; set on exactly one node")
	root.Flags().StringVar(&storageID, "storage-id", "demo", "storage identifier this node serves")
	root.Flags().StringVar(&strategy, "strategy", "separated", "distribution strategy: separated, replicated or federated")
	root.Flags().DurationVar(&ttl, "ttl", 0, "entry time-to-live; 0 disables expiration")
	root.Flags().IntVar(&minElectionMS, "raft-min-election-timeout-ms", gridkv.DefaultRaftMinElectionTimeoutMS, "raft minimum election timeout, in milliseconds")
	root.Flags().IntVar(&heartbeatMS, "raft-heartbeat-ms", gridkv.DefaultRaftHeartbeatMS, "raft leader heartbeat interval, in milliseconds")
	root.Flags().IntVar(&peerTimeoutMS, "peer-timeout-ms", gridkv.DefaultPeerTimeoutMS, "how long a peer may go unheard from before it is detached")
	root.Flags().IntVar(&requestTimeoutMS, "request-timeout-ms", gridkv.DefaultRequestTimeoutMS, "per-request deadline, in milliseconds")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(bindAddr string, peerFlags []string, storageID, strategy string, ttl time.Duration, bootstrap bool,
	minElectionMS, heartbeatMS, peerTimeoutMS, requestTimeoutMS int, metricsAddr string) error {

	logger := fglog.Logger{}.With("time", fglog.DefaultTimestamp, "caller", fglog.DefaultCaller, "service", "gridnode")

	self := gridkv.NewEndpointID()
	logger = logger.With("endpoint", self.String())

	b, err := bus.NewTCPBus(self, bindAddr, &logger)
	if err != nil {
		logger.Error("unable to bind message bus", "error", err)
		return err
	}
	logger.Info("message bus listening", "addr", b.Addr())

	for _, p := range peerFlags {
		id, addr, ok := strings.Cut(p, "@")
		if !ok {
			logger.Error("ignoring malformed --peer flag, want id@address", "value", p)
			continue
		}
		b.AddPeer(gridkv.EndpointID(id), addr)
		logger.Info("registered known peer", "peer", id, "addr", addr)
	}

	g, err := gridkv.New(self, b, gridkv.Config{
		Bootstrap:              bootstrap,
		RaftMinElectionTimeout: time.Duration(minElectionMS) * time.Millisecond,
		RaftHeartbeat:          time.Duration(heartbeatMS) * time.Millisecond,
		PeerTimeout:            time.Duration(peerTimeoutMS) * time.Millisecond,
		Logger:                 &logger,
	})
	if err != nil {
		logger.Error("unable to start grid coordinator", "error", err)
		b.Close()
		return err
	}

	var local localstore.Store[string, string]
	if ttl > 0 {
		local = localstore.NewTimedMap[string, string](ttl, 0, gridkv.DefaultMaxCollectedEvents, gridkv.DefaultMaxCollectedTimeMS*time.Millisecond)
	} else {
		local = localstore.NewMap[string, string](gridkv.DefaultMaxCollectedEvents, gridkv.DefaultMaxCollectedTimeMS*time.Millisecond)
	}

	timeout := time.Duration(requestTimeoutMS) * time.Millisecond
	keyCodec := codec.JSON[string]{}
	valueCodec := codec.JSON[string]{}

	var closeStorage func() error
	var inst instrumented
	var backupSize func() float64
	switch strategy {
	case "separated":
		s, err := gridkv.Separated[string, string](g, gridkv.StorageID(storageID), local, keyCodec, valueCodec, separated.Config{
			RequestTimeout: timeout,
			Logger:         &logger,
		})
		if err != nil {
			return err
		}
		closeStorage = s.Close
		inst = s
		backupSize = func() float64 { return float64(s.BackupSize()) }
	case "replicated":
		s, err := gridkv.Replicated[string, string](g, gridkv.StorageID(storageID), local, keyCodec, valueCodec, replicated.Config{
			RequestTimeout: timeout,
			Logger:         &logger,
		})
		if err != nil {
			return err
		}
		closeStorage = s.Close
		inst = s
	case "federated":
		s, err := gridkv.Federated[string, string](g, gridkv.StorageID(storageID), local, keyCodec, valueCodec, federated.Config[string]{
			// Demo merge operator: concatenate with a separator. Real
			// deployments supply a domain-appropriate operator (sum,
			// max, CRDT merge, ...).
			MergeOperator:  func(existing, incoming string) string { return existing + "," + incoming },
			RequestTimeout: timeout,
			Logger:         &logger,
		})
		if err != nil {
			return err
		}
		closeStorage = s.Close
		inst = s
	default:
		b.Close()
		return fmt.Errorf("gridnode: unknown strategy %q (want separated, replicated or federated)", strategy)
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		gridmetrics.RegisterGaugeFunc(reg, "gridkv_storage_size", "entries held in local storage", func() float64 { return float64(inst.Size()) })
		gridmetrics.RegisterGaugeFunc(reg, "gridkv_open_waiters", "requests currently awaiting a response", func() float64 { return float64(inst.OpenWaiters()) })
		if backupSize != nil {
			gridmetrics.RegisterGaugeFunc(reg, "gridkv_backup_entries", "entries held in backup on behalf of other owners", backupSize)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", metricsAddr)
	}

	logger.Info("grid node ready", "storage", storageID, "strategy", strategy)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	reason := <-sig
	logger.Info("shutting down", "signal", reason.String())

	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			logger.Error("error closing metrics server", "error", err)
		}
	}
	if closeStorage != nil {
		if err := closeStorage(); err != nil {
			logger.Error("error closing storage", "error", err)
		}
	}
	return g.Close()
}
