package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Fallback chains a primary backend with an in-process one. Every primary
// failure is absorbed: reads fall through to the memory tier, writes land in
// the memory tier so at least this process keeps its hot data. Nothing the
// cache does is ever load-bearing for correctness; the database remains the
// source of truth.
type Fallback struct {
	primary Cache
	memory  *MemoryCache
}

// New builds the cache layer. With an empty addr, or when Redis cannot be
// reached, the layer runs memory-only and logs once — the orchestrator never
// refuses to start over a cache.
func New(addr, password string, db int) Cache {
	memory := NewMemoryCache()
	if addr == "" {
		logrus.Info("cache: no redis configured, using in-process cache")
		return memory
	}
	primary, err := NewRedisCache(addr, password, db)
	if err != nil {
		logrus.WithError(err).Warn("cache: redis unreachable, degrading to in-process cache")
		return memory
	}
	logrus.WithField("addr", addr).Info("cache: redis connected")
	return &Fallback{primary: primary, memory: memory}
}

func (f *Fallback) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	ok, err := f.primary.GetJSON(ctx, key, out)
	if err == nil {
		return ok, nil
	}
	logrus.WithError(err).WithField("key", key).Debug("cache: primary read failed, trying memory tier")
	return f.memory.GetJSON(ctx, key, out)
}

func (f *Fallback) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if err := f.primary.SetJSON(ctx, key, v, ttl); err != nil {
		logrus.WithError(err).WithField("key", key).Debug("cache: primary write failed, using memory tier")
		return f.memory.SetJSON(ctx, key, v, ttl)
	}
	// Mirror into memory so a later Redis outage still has warm data.
	_ = f.memory.SetJSON(ctx, key, v, ttl)
	return nil
}

func (f *Fallback) SetNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	won, err := f.primary.SetNX(ctx, key, v, ttl)
	if err == nil {
		if won {
			_, _ = f.memory.SetNX(ctx, key, v, ttl)
		}
		return won, nil
	}
	logrus.WithError(err).WithField("key", key).Debug("cache: primary setnx failed, using memory tier")
	return f.memory.SetNX(ctx, key, v, ttl)
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	_ = f.memory.Delete(ctx, key)
	if err := f.primary.Delete(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key).Debug("cache: primary delete failed")
	}
	return nil
}

func (f *Fallback) DeletePrefix(ctx context.Context, prefix string) error {
	_ = f.memory.DeletePrefix(ctx, prefix)
	if err := f.primary.DeletePrefix(ctx, prefix); err != nil {
		logrus.WithError(err).WithField("prefix", prefix).Debug("cache: primary prefix delete failed")
	}
	return nil
}

func (f *Fallback) Close() error {
	return f.primary.Close()
}
