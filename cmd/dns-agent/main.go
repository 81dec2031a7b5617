package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/cleanup"
	"github.com/dockmon/dns-agent/internal/config"
	"github.com/dockmon/dns-agent/internal/containersource"
	"github.com/dockmon/dns-agent/internal/dispatcher"
	"github.com/dockmon/dns-agent/internal/filebackend"
	"github.com/dockmon/dns-agent/internal/flannel"
	"github.com/dockmon/dns-agent/internal/metrics"
	"github.com/dockmon/dns-agent/internal/model"
	"github.com/dockmon/dns-agent/internal/reconciler"
	"github.com/dockmon/dns-agent/internal/replication"
	"github.com/dockmon/dns-agent/internal/restbackend"
	"github.com/dockmon/dns-agent/internal/tracker"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := setupLogging(cfg)
	log.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"role":    cfg.DNSRole,
	}).Info("docker-dns reconciliation agent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig).Info("received shutdown signal")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	source, err := containersource.New(log)
	if err != nil {
		log.WithError(err).Fatal("failed to create docker container source")
	}
	defer source.Close()

	restBackend := restbackend.New(restbackend.Config{
		BaseURL:            cfg.OPNsenseURL,
		Key:                cfg.OPNsenseKey,
		Secret:             cfg.OPNsenseSecret,
		VerifySSL:          cfg.VerifySSL,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		APIRetryCount:      cfg.APIRetryCount,
		APIBackoffFactor:   cfg.APIBackoffFactor,
		MinCallInterval:    cfg.MinCallInterval,
		CacheTTL:           cfg.DNSCacheTTL,
		RestartThreshold:   cfg.RestartThreshold,
		RestartInterval:    cfg.RestartInterval,
		MaxReconfigureTime: cfg.MaxReconfigureTime,
		HostName:           cfg.HostName,
	}, log)

	if !cfg.VerifySSL {
		log.Warn("VERIFY_SSL is disabled; the REST backend will accept any appliance certificate")
	}

	if _, err := restBackend.ListAll(ctx, true); err != nil {
		log.WithError(err).Fatal("failed self-test connection to the OPNsense/Unbound REST appliance")
	}
	log.Info("connected to the OPNsense/Unbound REST appliance")

	var nonRESTBackends []dispatcher.NonRESTBackend

	if cfg.LocalUnboundEnabled {
		fileBackend, err := filebackend.New(filebackend.Config{
			Path:          "/etc/unbound/dockmon.conf",
			ReloadMode:    filebackend.ReloadCommand,
			ReloadCommand: localUnboundReloadCommand(cfg.LocalUnboundType, cfg.LocalUnboundContainer),
			ReloadTimeout: 30 * time.Second,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("failed to open local unbound zone fragment file")
		}
		nonRESTBackends = append(nonRESTBackends, fileBackend)
	}

	// cfg.FlannelSubnetPath defaults to flannel.DefaultSubnetEnvPath, so this
	// is always attempted; an absent descriptor is the only thing that
	// disables flannel domain derivation (ReadNetworkCIDR returns "", nil).
	flannelCIDR, err := flannel.ReadNetworkCIDR(cfg.FlannelSubnetPath)
	if err != nil {
		log.WithError(err).Warn("failed to read flannel subnet, flannel domain derivation disabled")
		flannelCIDR = ""
	}

	var replicationClient *replication.Client
	if len(cfg.ReplicationPeers) > 0 {
		peerURLs := make(map[string]string, len(cfg.ReplicationPeers))
		for _, peer := range cfg.ReplicationPeers {
			peerURLs[peer] = fmt.Sprintf("http://%s:%d", cfg.PeerIPs[peer], cfg.DNSReplicationPort)
		}
		replicationClient = replication.NewClient(peerURLs, log)
	}

	disp := dispatcher.New(dispatcher.Config{
		BaseDomain:       cfg.BaseDomain,
		HostName:         cfg.HostName,
		FlannelCIDR:      flannelCIDR,
		CriticalPrefixes: cfg.CriticalPrefixes,
		IsMaster:         cfg.DNSRole == "master",
	}, nonRESTBackends, restBackend, replicationClient, m, log)

	if cfg.LocalUnboundEnabled {
		replServer := replication.NewServer(cfg.DNSRole, cfg.HostName, cfg.LocalUnboundEnabled, len(cfg.ReplicationPeers) > 0, cfg.OPNsenseFallbackEnabled, disp, log)
		replServer.Router().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: replServer.Handler(),
		}
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("replication server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("replication server stopped unexpectedly")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	t := tracker.New(cfg.StateCleanupCycles, log)

	sweeper := cleanup.New(restBackend, cleanup.Config{
		MaxHostnames: cfg.DNSCleanupMaxHostnames,
		BatchSize:    cfg.DNSCleanupBatchSize,
		OriginTag:    model.OriginTagFor(cfg.HostName),
	}, m, log)

	r := reconciler.New(source, t, disp, sweeper, reconciler.Config{
		SyncInterval:     cfg.DNSSyncInterval,
		CleanupInterval:  cfg.DNSCleanupInterval,
		CleanupOnStartup: cfg.CleanupOnStartup,
	}, m, log)

	if err := r.Run(ctx); err != nil {
		log.WithError(err).Error("reconciler exited with error")
		os.Exit(1)
	}

	log.Info("docker-dns reconciliation agent stopped")
}

func setupLogging(cfg *config.Config) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return log
}

// localUnboundReloadCommand builds the reload command local-unbound mode
// actually runs: a plain systemctl call on the host, or a docker exec into
// the named container when unbound itself runs containerized.
func localUnboundReloadCommand(kind, container string) string {
	if kind == "docker" {
		return fmt.Sprintf("docker exec %s unbound-control reload", container)
	}
	return "systemctl reload unbound"
}

