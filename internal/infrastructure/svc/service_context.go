package svc

import (
	"context"
	"fmt"
	"os"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"xauwatch/internal/application/port"
	"xauwatch/internal/application/usecase/watch"
	"xauwatch/internal/domain/model"
	"xauwatch/internal/domain/service"
	"xauwatch/internal/infrastructure/config"
	"xauwatch/internal/infrastructure/exchange/quote"
	"xauwatch/internal/infrastructure/metrics"
	"xauwatch/internal/infrastructure/storage/composite"
	postgresrepo "xauwatch/internal/infrastructure/storage/postgres"
	redisrepo "xauwatch/internal/infrastructure/storage/redis"
	sqliterepo "xauwatch/internal/infrastructure/storage/sqlite"
	"xauwatch/internal/interfaces/console"
	"xauwatch/internal/interfaces/httpapi"
	"xauwatch/internal/interfaces/kafka"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	repos   *composite.Repo
	metrics *metrics.Recorder

	// 输出端口
	Queue   *watch.Queue
	Sink    port.EventSink // Queue 的下游，按顺序分发到所有展示端
	Console *console.Sink

	// 应用业务组件（依赖基础设施）
	Tracker    *service.Tracker
	Supervisor *watch.Supervisor
	HTTP       *httpapi.Server

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		repos:       composite.New(),
		metrics:     metrics.New(),
		Queue:       watch.NewQueue(watch.DefaultQueueLimit),
		closerChain: make([]func() error, 0),
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 初始化所有应用组件
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}

	instrument := model.NewInstrument(sc.Config.Feed.Instrument)

	// 1. 展示端
	sc.initializeSinks(instrument)

	// 2. 行情连接
	if err := sc.initializeSupervisor(instrument); err != nil {
		return fmt.Errorf("%w: %w", ErrFeedInitFailed, err)
	}

	// 3. HTTP 控制面
	if addr := sc.Config.App.HTTPAddr; addr != "" {
		sc.HTTP = httpapi.NewServer(sc.Ctx, addr, sc.Supervisor, sc.Tracker, sc.Config.RetryMaxAttempts(), sc.metrics.Registry())
	}

	log.Info().
		Str("instrument", instrument.Code()).
		Int("repos", sc.repos.Len()).
		Bool("http", sc.HTTP != nil).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (Redis / SQLite / Postgres)，全部可选
func (sc *ServiceContext) initializeStorage() error {
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	if sc.Config.SQLite.Enabled {
		if err := sc.initSQLite(); err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
	}
	if sc.Config.Postgres.Enabled {
		if err := sc.initPostgres(); err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := time.Duration(sc.Config.Redis.TTLSeconds) * time.Second
	repo := redisrepo.New(rdb, sc.Config.Redis.Prefix, ttl, sc.Config.Redis.QuoteChannel)
	sc.repos.Add(repo)

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Str("channel", repo.QuoteChannel()).
		Msg("✓ Redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() error {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}
	sc.repos.Add(repo)

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().
		Str("path", sc.Config.SQLite.Path).
		Msg("✓ SQLite initialized")
	return nil
}

// initPostgres 初始化 Postgres
func (sc *ServiceContext) initPostgres() error {
	repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres repo creation failed: %w", err)
	}
	sc.repos.Add(repo)

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return nil
}

// initializeSinks 组装 Queue 下游的展示端：终端、存储、Kafka
func (sc *ServiceContext) initializeSinks(instrument model.Instrument) {
	var sinks []port.EventSink

	if sc.Config.Console.Enabled {
		sc.Console = console.NewSink(os.Stdout, instrument, sc.Config.Console.Color)
		sinks = append(sinks, sc.Console)
	}

	if sc.repos.Len() > 0 {
		sinks = append(sinks, watch.NewRepositorySink(sc.repos, instrument, 3*time.Second))
	}

	if sc.Config.Kafka.Enabled {
		w := kafka.NewWriter(sc.Config.Kafka.Brokers, sc.Config.Kafka.Topic)
		ks := kafka.NewSink(w, instrument)
		sinks = append(sinks, ks)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing kafka writer")
			return ks.Close()
		})
		log.Info().
			Strs("brokers", sc.Config.Kafka.Brokers).
			Str("topic", sc.Config.Kafka.Topic).
			Msg("✓ Kafka sink initialized")
	}

	sc.Sink = watch.NewMultiSink(sinks...)
}

func (sc *ServiceContext) initializeSupervisor(instrument model.Instrument) error {
	dialer, err := quote.NewWSDialer(quote.ClientConfig{
		WsURL:        sc.Config.Feed.WsURL,
		Token:        sc.Config.Feed.Token,
		WriteTimeout: sc.Config.WriteTimeout(),
		ReadTimeout:  sc.Config.ReadTimeout(),
	})
	if err != nil {
		return err
	}

	sc.Tracker = service.NewTracker(instrument, sc.Config.ReferencePrice())

	sup, err := watch.NewSupervisor(watch.Config{
		Instrument: instrument,
		Retry: watch.RetryConfig{
			MaxAttempts:  sc.Config.RetryMaxAttempts(),
			BaseInterval: sc.Config.RetryBaseInterval(),
		},
		HeartbeatInterval: sc.Config.HeartbeatInterval(),
		ConnectTimeout:    sc.Config.ConnectTimeout(),
	}, watch.Deps{
		Dialer:  dialer,
		Codec:   quote.NewCodec(instrument, sc.Config.Feed.DepthLevel),
		Tracker: sc.Tracker,
		Sink:    sc.Queue,
		Metrics: sc.metrics,
	})
	if err != nil {
		return err
	}
	sc.Supervisor = sup
	return nil
}

// Close 关闭 ServiceContext 中的所有资源
// 应该在监督器停止、Queue 排空之后调用
func (sc *ServiceContext) Close() error {
	if sc.Supervisor != nil {
		sc.Supervisor.Stop()
	}

	// 按照相反的顺序关闭所有资源
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
