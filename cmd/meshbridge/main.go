// Command meshbridge is the composition root: it loads configuration,
// wires every component from spec section 4 together, and serves the
// HTTP surface from spec section 6 until signaled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-home/meshbridge/internal/alertmanager"
	"github.com/aegis-home/meshbridge/internal/config"
	"github.com/aegis-home/meshbridge/internal/connectivity"
	"github.com/aegis-home/meshbridge/internal/httpapi"
	"github.com/aegis-home/meshbridge/internal/mesh"
	"github.com/aegis-home/meshbridge/internal/metrics"
	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/internal/notify"
	"github.com/aegis-home/meshbridge/internal/queue"
	"github.com/aegis-home/meshbridge/internal/relay"
	"github.com/aegis-home/meshbridge/internal/secure"
	"github.com/aegis-home/meshbridge/pkg/transport/fake"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the mesh bridge configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("meshbridge exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// run wires and starts every component, blocking until ctx is
// cancelled (a shutdown signal), then stops everything in reverse
// dependency order.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// Transport adapters. Real LoRa/Reticulum drivers are outside this
	// repository's scope (see pkg/transport's doc comment); the mesh
	// bridge drives the same in-memory fakes used by the test suites
	// in production here, standing in for hardware not present on this
	// build host.
	meshAdapter := fake.NewMeshAdapter()
	secureAdapter := fake.NewSecureAdapter()

	meshSup := mesh.New(meshAdapter, mesh.Config{
		ReconnectDelay:       cfg.Mesh.ReconnectDelay,
		MaxReconnectAttempts: cfg.Mesh.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Mesh.ReconnectBackoff,
		MessageTimeout:       cfg.Mesh.MessageTimeout,
	}, log.Named("mesh"))

	secureSup := secure.New(secureAdapter, secure.Config{
		IdentityPath:     cfg.Secure.IdentityPath,
		StoragePath:      cfg.Secure.StoragePath,
		AnnounceInterval: cfg.Secure.AnnounceInterval,
	}, log.Named("secure"))

	dedup := relay.NewMemoryDedup(cfg.Relay.DedupCapacity)
	if cfg.Relay.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		dedup = relay.NewRedisDedup(client, 0)
	}
	rel := relay.New(meshSup, secureSup, dedup, relay.NewDirectory(), log.Named("relay"))

	meshSup.OnMessage(rel.HandleMeshMessage)
	secureSup.OnReceive(rel.HandleSecureMessage)

	meshSup.OnConnection(func(connected bool, state model.ConnectionState) {
		metrics.SetTransportConnected("mesh", connected)
	})
	secureSup.OnConnection(func(connected bool) {
		metrics.SetTransportConnected("secure", connected)
	})

	connMonitor := connectivity.New(connectivity.Config{
		CheckInterval:   cfg.ISP.CheckInterval,
		CheckHosts:      cfg.ISP.CheckHosts,
		FailedThreshold: cfg.ISP.FailedThreshold,
		DialTimeout:     cfg.ISP.DialTimeout,
	}, log.Named("connectivity"))

	slackNotifier := notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, log.Named("notify"))

	outboundQueue := queue.New(queue.Config{
		MaxSize:         cfg.Queue.MaxSize,
		BatchSize:       cfg.Queue.BatchSize,
		FlushInterval:   cfg.Queue.FlushInterval,
		PersistencePath: cfg.Queue.PersistencePath,
		MaxRetries:      cfg.Alert.MaxRetries,
	}, log.Named("queue"))

	alertMgr := alertmanager.New(outboundQueue, slackNotifier, log.Named("alertmanager"),
		alertmanager.EscalationTickInterval(cfg.Alert.EscalationTickInterval))

	connMonitor.OnFailover(func(active bool) {
		metrics.SetISPOnline(!active)
		alertMgr.OnFailover(active)
	})

	outboundQueue.SetSendHandler(dispatchSend(ctx, meshSup, secureSup))

	ruleWatcher := alertmanager.NewRuleWatcher(cfg.Alert.RoutingRulesPath, alertMgr, log.Named("alertmanager.hotreload"))

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, log.Named("metrics"))

	router := httpapi.NewRouter(httpapi.Deps{
		Alerts:       alertMgr,
		Queue:        outboundQueue,
		Mesh:         meshSup,
		Secure:       secureSup,
		Connectivity: connMonitor,
		Relay:        rel,
		Log:          log.Named("httpapi"),
	})
	apiServer := &http.Server{
		Addr:    ":" + cfg.Server.WebhookPort,
		Handler: router,
	}

	// These five components are independent of each other at startup
	// (callbacks were already wired above), so bring them up
	// concurrently and fail fast on the first error.
	var g errgroup.Group
	g.Go(func() error { return outboundQueue.Start(ctx) })
	g.Go(func() error { return meshSup.Start(ctx) })
	g.Go(func() error { return secureSup.Start(ctx) })
	g.Go(func() error { return connMonitor.Start(ctx) })
	g.Go(func() error { return ruleWatcher.Start(ctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	if err := alertMgr.Start(ctx); err != nil {
		return fmt.Errorf("start alertmanager: %w", err)
	}
	metricsServer.StartAsync()

	go func() {
		log.Info("serving http api", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http api server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Stop(shutdownCtx)
	ruleWatcher.Stop()
	_ = alertMgr.Stop()
	_ = connMonitor.Stop()
	_ = secureSup.Stop()
	_ = meshSup.Stop()
	_ = outboundQueue.Stop()

	return nil
}

// dispatchSend routes a queued message to the transport(s) named by
// its protocol, wrapping each attempt with metrics.
func dispatchSend(ctx context.Context, meshSup *mesh.Supervisor, secureSup *secure.Supervisor) queue.SendHandler {
	return func(msg model.QueuedMessage) bool {
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		var meshOK, secureOK bool
		switch msg.Protocol {
		case model.ProtocolMesh, model.ProtocolBoth:
			_, meshOK = meshSup.Send(sendCtx, msg.Text, msg.Destination, false, 0)
			recordSendMetric("mesh", meshOK)
		}
		switch msg.Protocol {
		case model.ProtocolSecure, model.ProtocolBoth:
			var err error
			secureOK, err = secureSup.Send(sendCtx, msg.Destination, msg.Text, "", nil)
			recordSendMetric("secure", secureOK && err == nil)
		}

		switch msg.Protocol {
		case model.ProtocolBoth:
			return meshOK || secureOK
		case model.ProtocolSecure:
			return secureOK
		default:
			return meshOK
		}
	}
}

func recordSendMetric(transport string, ok bool) {
	if ok {
		metrics.RecordMessageSent(transport)
		return
	}
	metrics.RecordMessageFailed(transport)
}
