package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/52poke/kodama/internal/audio"
	"github.com/52poke/kodama/internal/cache"
	"github.com/52poke/kodama/internal/config"
	"github.com/52poke/kodama/internal/fetch"
	"github.com/52poke/kodama/internal/lock"
	"github.com/52poke/kodama/internal/logging"
	"github.com/52poke/kodama/internal/resource"
)

var tiers = []cache.Tier{cache.TierRaw, cache.TierDecoded, cache.TierNormalized}

// deps is everything a command needs, built from one Config.
type deps struct {
	Resolver *resource.Resolver
	redis    *redis.Client
	closers  []func() error
}

func build(ctx context.Context, cfg config.Config, logger *log.Logger) (*deps, error) {
	d := &deps{}
	if cfg.RedisAddr != "" {
		d.redis = lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		d.closers = append(d.closers, d.redis.Close)
	}

	store, err := d.buildStore(ctx, cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	// without Redis there is a single process, and singleflight already
	// covers it
	var locker lock.Locker
	if d.redis != nil {
		locker = lock.RedisLocker{Client: d.redis}
	}

	resolver, err := resource.New(resource.Config{
		Namespace:    cfg.Namespace,
		Store:        store,
		Fetcher:      fetch.NewClient(cfg.FetchTimeout, cfg.UserAgent),
		Normalize:    audio.PeakNormalizer(cfg.Samples),
		Locker:       locker,
		LockTTL:      cfg.LockTTL,
		MaxLockWait:  cfg.MaxLockWait,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logging.Component(logger, "resource"),
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Resolver = resolver
	return d, nil
}

func (d *deps) buildStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return cache.NewMemoryStore(), nil
	case config.StoreFile:
		fs, err := cache.NewFileStore(cfg.FileDir, cfg.FileCompression)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, fs.Close)
		return fs, nil
	case config.StoreRedis:
		return cache.NewRedisStore(d.redis), nil
	case config.StoreS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
		return cache.NewS3Store(cfg.S3Bucket, cfg.S3Prefix, client), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// Ready reports whether the shared backends answer.
func (d *deps) Ready(ctx context.Context) error {
	if d.redis == nil {
		return nil
	}
	return d.redis.Ping(ctx).Err()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}
