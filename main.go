package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"maflow/config"
	"maflow/internal/archive"
	"maflow/internal/notify"
	"maflow/internal/pipeline"
	"maflow/internal/provider"
	"maflow/internal/publish"
	"maflow/internal/server"
	"maflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	schedule := flag.String("schedule", "", "Cron expression for periodic refreshes (empty runs once)")
	serve := flag.Bool("serve", false, "Serve the snapshot API alongside the pipeline")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Maflow.Name,
		"version": cfg.Maflow.Version,
	}).Info("starting maflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	publishers, primary, err := buildPublishers(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to build publishers")
		os.Exit(1)
	}

	runner := pipeline.NewRunner(cfg, provider.NewYahooClient(cfg.Provider), publishers)

	if cfg.Archive.Enabled {
		archiver, err := archive.NewWriter(ctx, cfg.Store.S3, cfg.Archive)
		if err != nil {
			log.WithError(err).Error("failed to build run archive")
			os.Exit(1)
		}
		runner.WithArchiver(archiver)
	}

	notifiers := pipeline.MultiNotifier{}
	if cfg.Notify.Enabled {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify))
	}

	var wg sync.WaitGroup
	var srv *server.Server
	if *serve {
		srv = server.New(cfg, primary, func() string { return string(runner.State()) })
		notifiers = append(notifiers, srv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				log.WithError(err).Error("api server failed")
				cancel()
			}
		}()
	}
	if len(notifiers) > 0 {
		runner.WithNotifier(notifiers)
	}

	runOnce := func() {
		result, err := runner.Run(ctx)
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			log.WithComponent("main").Warn("refresh skipped, previous run still in progress")
		case err != nil:
			log.WithComponent("main").WithError(err).Error("refresh run failed")
		default:
			log.WithComponent("main").WithFields(logger.Fields{
				"run_id":    result.RunID,
				"processed": result.Record.Metadata.TotalCount,
				"failed":    len(result.Failures),
			}).Info("refresh run finished")
		}
	}

	if *schedule == "" && !*serve {
		result, err := runner.Run(ctx)
		if err != nil {
			log.WithError(err).Error("refresh run failed")
			os.Exit(1)
		}
		log.WithFields(logger.Fields{
			"run_id":    result.RunID,
			"processed": result.Record.Metadata.TotalCount,
			"failed":    len(result.Failures),
		}).Info("refresh run finished")
		return
	}

	var scheduler *cron.Cron
	if *schedule != "" {
		scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := scheduler.AddFunc(*schedule, runOnce); err != nil {
			log.WithError(err).Error("invalid schedule expression")
			os.Exit(1)
		}
		scheduler.Start()
		log.WithFields(logger.Fields{"schedule": *schedule}).Info("scheduler started")
	} else {
		// Serving without a schedule still refreshes once at startup.
		go runOnce()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if srv != nil {
		srv.Stop()
	}
	wg.Wait()

	log.Info("shutdown complete")
}

// buildPublishers wires every enabled store backend. The first one doubles as
// the read path for the API server.
func buildPublishers(ctx context.Context, cfg *config.Config) ([]publish.Publisher, publish.Publisher, error) {
	var publishers []publish.Publisher

	if cfg.Store.DocStore.Enabled {
		publishers = append(publishers, publish.NewDocStore(cfg.Store.DocStore))
	}
	if cfg.Store.S3.Enabled {
		s3pub, err := publish.NewS3Publisher(ctx, cfg.Store.S3)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, s3pub)
	}
	if len(publishers) == 0 {
		return nil, nil, errors.New("no store backend enabled")
	}
	return publishers, publishers[0], nil
}
