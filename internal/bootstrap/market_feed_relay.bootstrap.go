package bootstrap

import (
	"context"
	"net/http"

	"github.com/krobus00/market-feed-relay/internal/config"
	"github.com/krobus00/market-feed-relay/internal/constant"
	"github.com/krobus00/market-feed-relay/internal/entity"
	httpHandler "github.com/krobus00/market-feed-relay/internal/handler/marketfeed/http"
	wsHandler "github.com/krobus00/market-feed-relay/internal/handler/marketfeed/ws"
	"github.com/krobus00/market-feed-relay/internal/infrastructure"
	"github.com/krobus00/market-feed-relay/internal/repository"
	"github.com/krobus00/market-feed-relay/internal/service/broadcast"
	"github.com/krobus00/market-feed-relay/internal/service/feedbus"
	"github.com/krobus00/market-feed-relay/internal/service/relay"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
	"github.com/krobus00/market-feed-relay/internal/service/upstream"
	"github.com/krobus00/market-feed-relay/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartMarketFeedRelay(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayCfg := config.Env.Relay
	util.ContinueOrFatal(relayCfg.Validate())

	ops := map[string]operation{}

	registry := subscription.NewRegistry()
	relayOpts := make([]relay.Option, 0)

	if mode, ok := entity.ParseSubscriptionMode(relayCfg.DefaultMode); ok {
		relayOpts = append(relayOpts, relay.WithDefaultMode(mode))
	}

	if relayCfg.SeedFromDatabase {
		dbCfg := config.Env.Database[constant.MarketFeedDatabaseName]
		marketDataDB, err := infrastructure.NewPostgresConnection(ctx, dbCfg)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, marketDataDB, dbCfg.PingInterval)

		subscriptionRepo := repository.NewInstrumentSubscriptionRepository(marketDataDB)
		seed, err := subscriptionRepo.Load(ctx)
		util.ContinueOrFatal(err)
		logrus.WithField("restored", registry.Restore(seed)).Info("registry seeded from database")

		relayOpts = append(relayOpts, relay.WithMirror(subscriptionRepo))
		ops["market data database"] = func(ctx context.Context) error {
			return marketDataDB.Close()
		}
	}

	var redisClient *redis.Client
	if redisCfg, ok := config.Env.Redis[constant.MarketFeedRedisName]; ok {
		client, err := infrastructure.NewRedisClient(ctx, redisCfg)
		util.ContinueOrFatal(err)
		redisClient = client
		ops["redis"] = func(ctx context.Context) error {
			return redisClient.Close()
		}
	}

	if relayCfg.MirrorToRedis && redisClient != nil {
		redisMirror, err := subscription.NewRedisMirror(redisClient, constant.MarketFeedSubscriptionsRedisKey)
		util.ContinueOrFatal(err)

		mirrored, err := redisMirror.Load(ctx)
		if util.WarnOnError(err, "restore subscriptions from redis failed") {
			logrus.WithField("restored", registry.Restore(mirrored)).Info("registry restored from redis")
		}

		relayOpts = append(relayOpts, relay.WithMirror(redisMirror))
	}

	var credential upstream.CredentialProvider = upstream.StaticCredential(relayCfg.AccessToken)
	if redisClient != nil {
		tokenKey := relayCfg.AccessTokenRedisKey
		if tokenKey == "" {
			tokenKey = constant.MarketFeedAccessTokenRedisKey
		}
		credential = upstream.NewRedisCredential(redisClient, tokenKey, credential)
	}

	link := upstream.NewLink(upstream.LinkConfig{
		URL:            relayCfg.UpstreamURL,
		ConnectTimeout: relayCfg.ConnectTimeout,
		PingInterval:   relayCfg.PingInterval,
		WriteTimeout:   relayCfg.WriteTimeout,
	}, credential)

	hub := broadcast.NewHub()
	supervisor := relay.NewSupervisor(relay.SupervisorConfig{
		ReceiveTimeout:       relayCfg.ReceiveTimeout,
		MaxReconnectAttempts: relayCfg.MaxReconnectAttempts,
		ReconnectFactor:      relayCfg.ReconnectFactor,
		MinBackoff:           relayCfg.MinBackoff,
		MaxBackoff:           relayCfg.MaxBackoff,
		ReplayBatchSize:      relayCfg.ReplayBatchSize,
	}, link, registry, hub)

	var (
		nc      *nats.Conn
		feedBus *feedbus.FeedBus
	)
	if relayCfg.PublishToJetstream {
		var (
			js  nats.JetStreamContext
			err error
		)
		nc, js, err = infrastructure.NewJetstream(config.Env.NatsJetstream)
		util.ContinueOrFatal(err)

		feedBus = feedbus.NewFeedBus(js, feedbus.Config{
			PublishTimeout: config.Env.NatsJetstream.PublishTimeout,
			CommandTimeout: config.Env.NatsJetstream.TimeoutHandler[constant.MarketFeedCommandTimeoutKey],
		})
		relayOpts = append(relayOpts, relay.WithMirror(feedBus))
		hub.AttachSink(feedBus)

		ops["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		}
	}

	marketFeedRelay := relay.New(registry, supervisor, hub, relayOpts...)

	if feedBus != nil {
		feedBus.SetCommander(marketFeedRelay)

		util.ContinueOrFatal(initPublishers(ctx, feedBus))
		util.ContinueOrFatal(initSubscribers(ctx, feedBus))

		startRunners(ctx, feedBus)
	}

	grpcServer := infrastructure.NewGRPCServer(infrastructure.ResolveGRPCAddr())
	grpcServer.SetServing("", true)
	grpcServer.SetServing(constant.MarketFeedHealthServiceName, false)
	supervisor.OnStateChange(func(state relay.State) {
		grpcServer.SetServing(constant.MarketFeedHealthServiceName, state.Ready())
	})
	util.ContinueOrFatal(grpcServer.Start())

	httpMux := http.NewServeMux()
	httpHandler.NewMarketFeedHTTPHandler(marketFeedRelay).Register(httpMux)
	wsHandler.NewMarketFeedWSHandler(marketFeedRelay, wsHandler.Options{
		QueueSize:         relayCfg.SessionQueueSize,
		BinaryPassthrough: relayCfg.BinaryPassthrough,
	}).Register(httpMux)

	httpCfg := infrastructure.DefaultHTTPServerConfig()
	httpCfg.ShutdownTimeout = config.Env.GracefulShutdownTimeout
	httpServer := infrastructure.NewHTTPServerWithConfig(httpCfg, httpMux)

	go func() {
		if err := httpServer.Start(); err != nil {
			logrus.Error(err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"upstream":      relayCfg.UpstreamURL,
		"subscriptions": registry.Count(),
		"grpc":          grpcServer.Addr(),
		"http":          httpCfg.Addr,
	}).Info("market feed relay started")

	marketFeedRelay.Start(ctx)

	ops["relay"] = func(ctx context.Context) error {
		marketFeedRelay.Shutdown()
		return nil
	}
	ops["grpc"] = func(ctx context.Context) error {
		grpcServer.Stop()
		return nil
	}
	ops["http"] = func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, ops)

	<-wait
}
