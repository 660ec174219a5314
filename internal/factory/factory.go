package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-auth-guard/internal/bucketing"
	"chat-auth-guard/internal/client"
	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/events"
	"chat-auth-guard/internal/handler"
	"chat-auth-guard/internal/ratelimit"
	mongorepo "chat-auth-guard/internal/repository/mongo"
	redisrepo "chat-auth-guard/internal/repository/redis"
	"chat-auth-guard/internal/repository/scylla"
	"chat-auth-guard/internal/tls"
	"chat-auth-guard/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Store clients; only the one selected by RATE_LIMIT_STORE is set.
	redisClient  *client.RedisClient
	mongoClient  *client.MongoClient
	scyllaClient *scylla.ScyllaClient

	// Event sink clients
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.BucketingManager
	store            ratelimit.Store
	dispatcher       *events.Dispatcher
	engine           *ratelimit.Engine
	sweeper          *ratelimit.Sweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects the configured store and event sinks and builds the
// rate limit engine on top of them.
func NewFactory(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config:           cfg,
		bucketingManager: bucketing.NewBucketingManager(cfg),
		closed:           make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeStore(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize rate limit store: %w", err)
	}

	sinks := factory.initializeSinks(ctx)
	factory.dispatcher = events.NewDispatcher(cfg.Events, sinks...)

	factory.engine = ratelimit.NewEngine(factory.store, ratelimit.Options{
		CheckTimeout:  cfg.RateLimit.CheckTimeout,
		RecordTimeout: cfg.RateLimit.RecordTimeout,
		MaxInFlight:   cfg.RateLimit.RecordInFlight,
		Publisher:     factory.dispatcher,
	})
	factory.sweeper = ratelimit.NewSweeper(factory.store, cfg.RateLimit.SweepInterval, nil)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", cfg.RateLimit.Store),
		util.Int("event_sinks", len(sinks)),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return factory, nil
}

// initializeStore connects the selected backend. Outside production an
// unreachable backend degrades to the in-process store.
func (f *Factory) initializeStore(ctx context.Context) error {
	err := f.connectStore(ctx)
	if err == nil {
		return nil
	}
	if f.config.IsProduction() {
		return err
	}

	util.Warn("Rate limit store unavailable - falling back to in-memory store",
		util.String("store", f.config.RateLimit.Store),
		util.ErrorField(err))
	f.store = ratelimit.NewMemoryStore()
	return nil
}

func (f *Factory) connectStore(ctx context.Context) error {
	switch f.config.RateLimit.Store {
	case config.StoreRedis:
		rc, err := client.NewRedisClient(f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		f.store = redisrepo.NewRateLimitStore(rc, f.config.Redis.KeyPrefix)

	case config.StoreMongo:
		mc, err := client.NewMongoClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		f.mongoClient = mc
		store := mongorepo.NewRateLimitStore(mc.Database, f.config.Mongo.Collection)
		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		f.store = store

	case config.StoreScylla:
		sc, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		f.store = scylla.NewRateLimitRepository(sc, f.bucketingManager)

	case config.StoreMemory:
		f.store = ratelimit.NewMemoryStore()

	default:
		return fmt.Errorf("unknown store %q", f.config.RateLimit.Store)
	}

	util.Info("Rate limit store initialized", util.String("store", f.config.RateLimit.Store))
	return nil
}

// initializeSinks builds every enabled event sink. A sink that cannot
// connect is skipped; events are best-effort.
func (f *Factory) initializeSinks(ctx context.Context) []events.Sink {
	var sinks []events.Sink

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			sinks = append(sinks, events.NewKafkaSink(producer))
		}
	}

	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without lockout indexing", util.ErrorField(err))
		} else {
			f.esClient = es
			sinks = append(sinks, events.NewElasticsearchSink(es, f.config.Elasticsearch.Index, f.bucketingManager.DateBucket))
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without attempt analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = ch
			sink := events.NewClickHouseSink(ch, f.config.Clickhouse.BatchSize, f.config.Clickhouse.FlushInterval)
			if err := sink.EnsureSchema(ctx); err != nil {
				util.Warn("ClickHouse schema setup failed", util.ErrorField(err))
			}
			sinks = append(sinks, sink)
		}
	}

	return sinks
}

// NewRouter wires the guard, upstream proxy, admin and health endpoints.
func (f *Factory) NewRouter() (http.Handler, error) {
	proxy, err := handler.NewUpstreamProxy(f.config.Upstream.URL, f.config.Upstream.Timeout)
	if err != nil {
		return nil, err
	}
	trusted, err := f.config.Server.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	return handler.NewRouter(handler.RouterConfig{
		RequireHTTPS:    f.config.Server.EnableTLS && f.config.IsProduction(),
		RequestTimeout:  f.config.Server.WriteTimeout,
		CORSOrigins:     f.config.Server.CORSOrigins,
		AuthRoutePrefix: f.config.Upstream.AuthRoutePrefix,
		TrustedProxies:  trusted,
		Guard:           handler.NewGuard(f.engine, f.config.RateLimit.MaxBodyBytes, util.Get()),
		Upstream:        proxy,
		Admin:           handler.NewAdminHandler(f.engine, f.config.Server.AdminToken),
		HealthChecks:    f.HealthChecks(),
		Logger:          util.Get(),
	}), nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)

	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.mongoClient != nil {
		checks["mongo"] = f.mongoClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	return checks
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	for name, check := range f.HealthChecks() {
		if err := check(ctx); err != nil {
			healthErrors[name] = err
		}
	}
	return healthErrors
}

// ==============================
// Shutdown
// ==============================

// Close drains in-flight recordings and queued events, then closes clients.
func (f *Factory) Close() error {
	var errs []error

	f.closeOnce.Do(func() {
		defer close(f.closed)
		util.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if f.engine != nil {
			if err := f.engine.Wait(ctx); err != nil {
				util.Warn("Timed out waiting for in-flight attempt recordings", util.ErrorField(err))
				errs = append(errs, err)
			}
		}

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Warn("Event dispatcher did not drain cleanly", util.ErrorField(err))
				errs = append(errs, err)
			}
			util.Info("Event dispatcher closed", util.Int64("dropped_events", int64(f.dispatcher.Dropped())))
		}

		// Clients log their own close outcome.
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.mongoClient != nil {
			if err := f.mongoClient.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return errors.Join(errs...)
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Engine() *ratelimit.Engine {
	return f.engine
}

func (f *Factory) Sweeper() *ratelimit.Sweeper {
	return f.sweeper
}

func (f *Factory) Store() ratelimit.Store {
	return f.store
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
