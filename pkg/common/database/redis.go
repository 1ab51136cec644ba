package database

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/config"
	"github.com/synaptica-ai/curation/pkg/common/logger"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

const featureStorePingTimeout = 5 * time.Second

// RedisOptions builds the feature store client options. Writes carry
// pipelined materialisation batches and get the longer timeout.
func RedisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// GetRedis returns the shared feature store client. An unreachable store is
// logged, not fatal: curation runs record the sink failure and feature reads
// fail per request.
func GetRedis() *redis.Client {
	redisOnce.Do(func() {
		opts := RedisOptions(config.Load())
		redisClient = redis.NewClient(opts)

		log := logger.WithFields(logrus.Fields{"addr": opts.Addr, "db": opts.DB})
		if err := pingFeatureStore(context.Background(), redisClient); err != nil {
			log.WithError(err).Error("feature store unreachable")
			return
		}
		log.Info("feature store connected")
	})

	return redisClient
}

func pingFeatureStore(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, featureStorePingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
