package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"IMProject/config"
	"IMProject/logger"
	"IMProject/module/chat/actor"
	"IMProject/service/gateway"
	"IMProject/service/storage"
	"IMProject/service/transport"

	"go.uber.org/zap"
)

// openDirectory 默认的成员目录：全放行。用户服务在外层，
// 接上后换成真实现即可。
type openDirectory struct{}

func (openDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	return userID != "", nil
}

func main() {
	confPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()
	defer logger.Sync()

	conf, err := config.Load(*confPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		os.Exit(1)
	}

	kv, err := buildStorage(conf)
	if err != nil {
		logger.Error("storage init failed", zap.String("driver", conf.Storage.Driver), zap.Error(err))
		os.Exit(1)
	}

	resolver, natsResolver, err := buildTransport(conf)
	if err != nil {
		logger.Error("transport init failed", zap.String("driver", conf.Transport.Driver), zap.Error(err))
		os.Exit(1)
	}

	registry := actor.NewRegistry(kv, resolver, openDirectory{}, actor.Options{
		Debounce:        time.Duration(conf.Actor.DebounceMS) * time.Millisecond,
		BatchMax:        conf.Actor.BatchMax,
		InflightTimeout: time.Duration(conf.Actor.InflightTimeoutMS) * time.Millisecond,
		RetryInterval:   time.Duration(conf.Actor.RetryIntervalMS) * time.Millisecond,
		PageCount:       conf.Actor.PageCount,
	})

	var gw *gateway.Gateway
	if natsResolver != nil {
		gw = gateway.New(registry)
		if err := gw.Start(natsResolver.Conn(), conf.Gateway.Subject, conf.Gateway.Queue); err != nil {
			logger.Error("gateway start failed", zap.Error(err))
			os.Exit(1)
		}
	} else {
		logger.Warn("no nats transport, command gateway disabled", zap.String("driver", conf.Transport.Driver))
	}

	logger.Info("im core up",
		zap.String("storage", conf.Storage.Driver),
		zap.String("transport", conf.Transport.Driver))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if gw != nil {
		gw.Stop()
	}
	registry.Shutdown()
	if natsResolver != nil {
		natsResolver.Close()
	}
}

func buildStorage(conf *config.Config) (storage.KV, error) {
	switch conf.Storage.Driver {
	case "redis":
		return storage.NewRedisKV(storage.RedisConfig{
			Addr:     conf.Storage.Redis.Addr,
			Password: conf.Storage.Redis.Password,
			DB:       conf.Storage.Redis.DB,
		})
	case "mongo":
		return storage.NewMongoKV(storage.MongoConfig{
			Uri:        conf.Storage.Mongo.URI,
			Database:   conf.Storage.Mongo.Database,
			Collection: conf.Storage.Mongo.Collection,
		})
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgresKV(ctx, storage.PostgresConfig{
			Url: conf.Storage.Postgres.DSN,
		})
	default:
		return storage.NewMemKV(), nil
	}
}

// buildTransport 第二个返回值在选了 nats 时非空，网关复用这条连接
func buildTransport(conf *config.Config) (transport.Resolver, *transport.NatsResolver, error) {
	switch conf.Transport.Driver {
	case "nats":
		r, err := transport.NewNatsResolver(transport.NatsConfig{
			Servers:       []string{conf.Transport.Nats.URL},
			Name:          "im-core",
			SubjectPrefix: conf.Transport.Nats.SubjectPrefix,
			Timeout:       time.Duration(conf.Transport.Nats.TimeoutMS) * time.Millisecond,
		})
		return r, r, err
	case "kafka":
		r, err := transport.NewKafkaResolver(transport.KafkaConfig{
			Brokers: conf.Transport.Kafka.Brokers,
			Topic:   conf.Transport.Kafka.Topic,
		})
		return r, nil, err
	default:
		return transport.NewInprocRouter(), nil, nil
	}
}
