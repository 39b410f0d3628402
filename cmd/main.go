package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"httppool/common"
	"httppool/config"
	"httppool/keepalive"
	"httppool/metrics"
	"httppool/pool"
	"httppool/worker"
)

// log init
func init() {
	logDir := "./logs"
	os.MkdirAll(logDir, 0755)

	// Configure log rotation with lumberjack
	fileLogger := &lumberjack.Logger{
		Filename:   logDir + "/httppool.log",
		MaxSize:    100,  // MB
		MaxBackups: 7,    // Keep 7 old log files
		MaxAge:     30,   // Days
		Compress:   true, // Compress old log files
	}

	// Output to both file and stdout (for systemd)
	multiWriter := io.MultiWriter(os.Stdout, fileLogger)
	log.SetOutput(multiWriter)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	log.SetLevel(log.InfoLevel)
}

func main() {
	configPath := flag.String("config", "httppool.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration failed, err:%v", err)
		return
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("invalid log level %q, using info", cfg.Log.Level)
	}

	manager := pool.NewManager(pool.Config{
		PerRouteMax:    cfg.Pool.PerRouteMax,
		TotalMax:       cfg.Pool.TotalMax,
		AcquireTimeout: cfg.Pool.AcquireTimeout(),
		FailFast:       cfg.Pool.FailFast,
	}, nil)
	defer manager.Shutdown()

	reaper := pool.NewReaper(manager, pool.ReaperConfig{
		Interval:      cfg.Reaper.Interval(),
		IdleThreshold: cfg.Reaper.IdleThreshold(),
	})
	reaper.Start()
	defer reaper.Stop()

	if cfg.Metrics.Enabled {
		sampler := metrics.NewSampler(metrics.SamplerConfig{Interval: cfg.Metrics.Interval()})
		sampler.Start()
		defer sampler.Stop()
	}

	workers, err := common.NewWorkerPool(common.WorkerPoolConfig{MaxWorkers: cfg.Workers.Count})
	if err != nil {
		log.Fatalf("creating worker pool failed, err:%v", err)
		return
	}
	defer workers.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Infof("received signal, shutting down")
		cancel()
	}()

	runner := &worker.Runner{
		Workers: workers,
		Worker: &worker.Worker{
			Pool:     manager,
			Strategy: keepalive.Negotiator{Default: cfg.KeepAlive.Default()},
		},
	}

	log.Infof("issuing %d requests across %d targets (per_route_max=%d, total_max=%d)",
		cfg.Workers.Count, len(cfg.Workers.Targets), cfg.Pool.PerRouteMax, cfg.Pool.TotalMax)

	completed := 0
	failed := 0
	for res := range runner.Run(ctx, cfg.Workers.Targets, cfg.Workers.Count) {
		completed++
		if res.Err != nil {
			failed++
			log.Errorf("request %d/%d failed: url=%s err=%v", completed, cfg.Workers.Count, res.URL, res.Err)
			continue
		}
		log.Infof("request %d/%d done: url=%s status=%d bytes=%d conn=%s reused=%v keepalive=%v elapsed=%v",
			completed, cfg.Workers.Count, res.URL, res.Status, res.Bytes, res.ConnID, res.Reused, res.KeepAlive, res.Elapsed)
	}

	stats := manager.Stats()
	log.Infof("all requests settled: completed=%d failed=%d hits=%d misses=%d timeouts=%d reaped=%d discarded=%d idle=%d",
		completed, failed, stats.Hits, stats.Misses, stats.Timeouts, stats.Reaped, stats.Discarded, stats.TotalIdle)

	// Keep the reaper and sampler running so server-side keep-alive closes
	// are reaped rather than piling up as CLOSE_WAIT sockets.
	log.Infof("idling until signal; watch the socket sampler for CLOSE_WAIT")
	<-ctx.Done()
}
