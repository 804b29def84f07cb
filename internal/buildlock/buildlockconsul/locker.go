package buildlockconsul

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/k11v/pipetrack/internal/buildlock"
)

var _ buildlock.Locker = (*Locker)(nil)

// Config holds the Consul lock configuration.
type Config struct {
	Address    string        `env:"ADDRESS"`     // default: "127.0.0.1:8500"
	WaitTime   time.Duration `env:"WAIT_TIME"`   // default: buildlock.DefaultWaitTime
	SessionTTL time.Duration `env:"SESSION_TTL"` // default: 30s
}

func (c *Config) address() string {
	a := c.Address
	if a == "" {
		a = "127.0.0.1:8500"
	}
	return a
}

func (c *Config) waitTime() time.Duration {
	w := c.WaitTime
	if w == 0 {
		w = buildlock.DefaultWaitTime
	}
	return w
}

func (c *Config) sessionTTL() time.Duration {
	ttl := c.SessionTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return ttl
}

// Locker is a buildlock.Locker backed by Consul sessions.
// A lock held by a crashed instance is freed when its session TTL expires.
type Locker struct {
	client     *consulapi.Client
	waitTime   time.Duration
	sessionTTL time.Duration
}

func NewLocker(cfg *Config) (*Locker, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.address()

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	return &Locker{
		client:     client,
		waitTime:   cfg.waitTime(),
		sessionTTL: cfg.sessionTTL(),
	}, nil
}

// Healthy checks connectivity to Consul.
func (l *Locker) Healthy() error {
	_, err := l.client.Status().Leader()
	return err
}

func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.LockOpts(&consulapi.LockOptions{
		Key:          key,
		SessionName:  "pipetrack-build-lock",
		SessionTTL:   l.sessionTTL.String(),
		LockWaitTime: l.waitTime,
		LockTryOnce:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("buildlockconsul.Locker: %w", err)
	}

	stopCh := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { close(stopCh) })
	defer stop()

	lostCh, err := lock.Lock(stopCh)
	if err != nil {
		return nil, fmt.Errorf("buildlockconsul.Locker: %w", err)
	}
	if lostCh == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, buildlock.ErrTimeout
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := lock.Unlock(); err != nil && !errors.Is(err, consulapi.ErrLockNotHeld) {
				slog.Error("didn't release build lock", "key", key, "error", err)
				return
			}
			if err := lock.Destroy(); err != nil && !errors.Is(err, consulapi.ErrLockInUse) {
				slog.Warn("didn't destroy build lock", "key", key, "error", err)
			}
		})
	}
	return release, nil
}
