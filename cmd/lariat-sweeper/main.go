package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mtoki/lariat/pkg/config"
	"github.com/mtoki/lariat/pkg/directory"
	"github.com/mtoki/lariat/pkg/lease"
	"github.com/mtoki/lariat/pkg/observability"
	"github.com/mtoki/lariat/pkg/provision"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for sweeps (overrides LARIAT_SWEEP_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit (for testing or manual reclaims)")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	shutdownTracing, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName + "-sweeper",
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to flush traces")
		}
	}()

	awsCfg, err := cfg.LoadAWSConfig(ctx)
	if err != nil {
		logger.WithError(err).Fatal("failed to load AWS configuration")
	}

	endpoint := cfg.AWS.Endpoint
	iamClient := iam.NewFromConfig(awsCfg, func(o *iam.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	metrics := observability.NewMetrics(nil)

	dir := directory.NewClient(iamClient)
	driver := provision.NewDriver(iamClient)
	mirror := provision.NewMirror(dir, driver)
	store := lease.NewDynamoStore(dynamoClient, cfg.Lease.TableName)
	manager := lease.NewManager(store, mirror, driver, lease.ManagerConfig{
		Prefix:             cfg.Lease.RolePrefix,
		Path:               cfg.Lease.RolePath,
		TTL:                cfg.Lease.TTL,
		MaxSessionDuration: cfg.Lease.MaxSessionDuration,
		Logger:             logger,
		Metrics:            metrics,
	})

	if *runOnce {
		if err := sweep(ctx, manager, logger); err != nil {
			logger.WithError(err).Fatal("sweep failed")
		}
		return
	}

	cronSchedule := cfg.Lease.SweepSchedule
	if *schedule != "" {
		cronSchedule = *schedule
	}

	c := cron.New()
	_, err = c.AddFunc(cronSchedule, func() {
		if err := sweep(context.Background(), manager, logger); err != nil {
			logger.WithError(err).Error("sweep failed")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to schedule sweep")
	}

	c.Start()
	logger.WithField("schedule", cronSchedule).Info("lariat sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("sweeper stopped")
}

func sweep(ctx context.Context, manager *lease.Manager, logger *logrus.Logger) error {
	start := time.Now()
	reclaimed, err := manager.Prune(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"reclaimed": reclaimed,
		"duration":  time.Since(start).String(),
	}).Info("sweep completed")
	return nil
}
