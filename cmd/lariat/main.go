package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/mtoki/lariat/pkg/config"
	"github.com/mtoki/lariat/pkg/console"
	"github.com/mtoki/lariat/pkg/directory"
	"github.com/mtoki/lariat/pkg/keys"
	"github.com/mtoki/lariat/pkg/lease"
	"github.com/mtoki/lariat/pkg/observability"
	"github.com/mtoki/lariat/pkg/provision"
	"github.com/mtoki/lariat/pkg/web"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	shutdownTracing, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}

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
	stsClient := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
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

	federation := console.NewFederation(stsClient, console.Config{
		Endpoint: cfg.Console.Endpoint,
		Issuer:   cfg.Console.Issuer,
	})
	keySvc := keys.NewService(iamClient)

	var cache web.ExistenceCache
	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		cache = web.NewRedisCache(redisClient, cfg.Cache.TTL)
		logger.WithField("addr", cfg.Cache.RedisURL).Info("using redis user cache")
	} else {
		cache = web.NewLRUCache(cfg.Cache.LRUSize, cfg.Cache.TTL)
	}
	users := web.NewUserChecker(dir, cache, metrics)

	var authenticator web.Authenticator
	if cfg.Auth.OIDCIssuer != "" {
		authenticator, err = web.NewOIDCAuthenticator(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID, cfg.Auth.UsernameClaim)
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize OIDC authentication")
		}
		logger.WithField("issuer", cfg.Auth.OIDCIssuer).Info("using OIDC authentication")
	} else {
		authenticator = &web.HeaderAuthenticator{Header: cfg.Auth.UsernameHeader}
		logger.WithField("header", cfg.Auth.UsernameHeader).Info("using trusted-header authentication")
	}

	server := web.NewServer(manager, federation, keySvc, users, authenticator, logger, metrics, web.Config{
		ConsoleDestination:     cfg.Console.Destination,
		ConsoleSessionDuration: cfg.Console.SessionDuration,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register(shutdownTracing)
	if redisClient != nil {
		shutdown.Register(func(context.Context) error { return redisClient.Close() })
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("lariat listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	if err := shutdown.Wait(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}
