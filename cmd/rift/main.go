/*
Command rift runs the imposter engine and, when a fault-injection proxy
config is supplied, the sidecar fault-injection forwarding proxy described
in spec.md §4.1 and §4.4.

For the list of command line options, run:

	rift -help

The admin REST surface that creates imposters and stubs over HTTP is an
external collaborator (spec.md §1): this binary wires the registry,
script substrate, and fault-injection proxy and leaves them to be driven
by that surface or by an in-process caller. When started with
-fault-proxy-config, it additionally binds a sidecar listener that
forwards all traffic to the configured upstreams, injecting faults per
the YAML rule set and any script rules.
*/
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/riftproxy/rift/internal/config"
	"github.com/riftproxy/rift/internal/decisioncache"
	"github.com/riftproxy/rift/internal/faultproxy"
	"github.com/riftproxy/rift/internal/flowstore"
	"github.com/riftproxy/rift/internal/imposter"
	"github.com/riftproxy/rift/internal/metrics"
	"github.com/riftproxy/rift/internal/netutil"
	"github.com/riftproxy/rift/internal/riftlog"
	"github.com/riftproxy/rift/internal/script"
)

var (
	version string
	commit  string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		if version == "" {
			version = info.Main.Version
		}
		if commit == "" {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value[:min(8, len(setting.Value))]
					break
				}
			}
		}
	}
}

func main() {
	cfg := config.Default()

	var configFile string
	var printVersion bool
	fs := flag.NewFlagSet("rift", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "", "YAML startup config file (merged before flag overrides)")
	fs.BoolVar(&printVersion, "version", false, "print version and exit")
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		riftlog.Fatal(err)
	}

	if printVersion {
		fmt.Printf("rift version %s (", orUnknown(version))
		if commit != "" {
			fmt.Printf("commit: %s, ", commit)
		}
		fmt.Printf("runtime: %s)\n", runtime.Version())
		return
	}

	if configFile != "" {
		if err := config.LoadFile(cfg, configFile); err != nil {
			riftlog.Fatal(err)
		}
		// Flags override the file when both are given; re-parse so
		// explicit CLI flags win over the file's values.
		fs2 := flag.NewFlagSet("rift", flag.ExitOnError)
		cfg.BindFlags(fs2)
		_ = fs2.Parse(os.Args[1:])
	}

	if err := cfg.Validate(); err != nil {
		riftlog.Fatal(err)
	}

	riftlog.SetLevel(cfg.LogLevel)
	riftlog.UseJSON(cfg.LogJSON)

	if err := run(cfg); err != nil {
		riftlog.Fatal(err)
	}
}

// run wires every core collaborator named by spec.md §2's dependency
// order and blocks until an interrupt/terminate signal arrives.
func run(cfg *config.Config) error {
	collectors := metrics.New()
	collectors.ImpostersActive.Set(0)

	flowStore, err := buildFlowStore(cfg)
	if err != nil {
		return err
	}
	defer closeIfCloser(flowStore)

	scriptPool := script.NewPool(cfg.ScriptPoolWorkers, cfg.ScriptPoolQueueSize, cfg.ScriptTimeout)
	defer scriptPool.Close()

	httpClient := netutil.New(netutil.Options{
		PoolMaxIdlePerHost: cfg.PoolMaxIdlePerHost,
		PoolIdleTimeout:    cfg.PoolIdleTimeout,
		ConnectTimeout:     cfg.ConnectTimeout,
		KeepaliveTimeout:   cfg.KeepaliveTimeout,
		TLSSkipVerify:      cfg.TLSSkipVerify,
	})

	registry := imposter.NewRegistry(cfg.TLSCertFile, cfg.TLSKeyFile)
	defer registry.Shutdown()

	riftlog.Log().WithFields(map[string]interface{}{
		"admin_address":     cfg.AdminAddress,
		"flow_store":        cfg.FlowStoreBackend,
		"script_pool_size":  cfg.ScriptPoolWorkers,
		"decision_cache_ttl": cfg.DecisionCacheTTL,
	}).Info("rift core wired")

	var proxySrv *http.Server
	if cfg.FaultProxyConfigFile != "" {
		proxySrv, err = startFaultProxy(cfg, flowStore, scriptPool, httpClient)
		if err != nil {
			return err
		}
		defer proxySrv.Close()
	}

	_ = registry // kept alive for the process lifetime; driven by an
	// external admin surface or an in-process caller per spec.md §1.

	waitForShutdown()
	return nil
}

func startFaultProxy(cfg *config.Config, flowStore flowstore.Store, pool *script.Pool, httpClient *netutil.Client) (*http.Server, error) {
	fpCfg, err := faultproxy.LoadConfig(cfg.FaultProxyConfigFile)
	if err != nil {
		return nil, err
	}
	router, err := faultproxy.Compile(fpCfg)
	if err != nil {
		return nil, fmt.Errorf("rift: compiling fault-proxy rules: %w", err)
	}

	var cache *decisioncache.Cache
	if !flowStore.Stateful() {
		cache = decisioncache.New(cfg.DecisionCacheSize, cfg.DecisionCacheTTL)
	}

	proxy := faultproxy.New(router, fpCfg, faultproxy.Deps{
		ScriptPool: pool,
		FlowStore:  flowStore,
		Cache:      cache,
		HTTPClient: httpClient,
		Pipeline:   newFaultProxyPipeline(pool),
	})

	srv := &http.Server{Addr: cfg.FaultProxyListenAddress, Handler: proxy}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			riftlog.Log().WithError(err).Error("fault-injection proxy listener exited")
		}
	}()
	riftlog.Log().WithField("address", cfg.FaultProxyListenAddress).Info("fault-injection proxy listening")
	return srv, nil
}

func buildFlowStore(cfg *config.Config) (flowstore.Store, error) {
	switch cfg.FlowStoreBackend {
	case "redis":
		return flowstore.NewRedis(cfg.RedisAddress), nil
	case "memory":
		return flowstore.NewMemory(0), nil
	case "none", "":
		return flowstore.Noop{}, nil
	default:
		return nil, fmt.Errorf("rift: unknown flow store backend %q", cfg.FlowStoreBackend)
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	riftlog.Log().Info("shutting down")
}

type closer interface{ Close() }

func closeIfCloser(v interface{}) {
	if c, ok := v.(closer); ok {
		c.Close()
	}
	if c, ok := v.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
