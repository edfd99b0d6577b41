package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OverrideSource loads admin overrides; *SettingsRepository implements it.
type OverrideSource interface {
	LoadOverrides(ctx context.Context) ([]Override, error)
}

// Cache holds the base catalog merged with the latest overrides. It is built
// once at startup and shared by reference; entries older than ttl are
// reloaded on the next Get.
type Cache struct {
	base   *Catalog
	source OverrideSource
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	current  *Catalog
	loadedAt time.Time
}

func NewCache(base *Catalog, source OverrideSource, ttl time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{base: base, source: source, ttl: ttl, log: log, now: time.Now}
}

// Get returns the merged catalog. When reloading fails, the previous value
// (or the base catalog) is served and the failure is logged.
func (c *Cache) Get(ctx context.Context) (*Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.current, nil
	}
	if c.source == nil {
		c.current, c.loadedAt = c.base, c.now()
		return c.current, nil
	}
	overrides, err := c.source.LoadOverrides(ctx)
	if err != nil {
		c.log.Warn("catalog overrides unavailable, serving cached catalog", "error", err)
		if c.current == nil {
			return c.base, nil
		}
		return c.current, nil
	}
	c.current, c.loadedAt = c.base.WithOverrides(overrides), c.now()
	return c.current, nil
}

// Invalidate drops the cached value so the next Get reloads overrides.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// SettingsRepository reads the media_settings table written by admin tooling.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

var _ OverrideSource = (*SettingsRepository)(nil)

func (r *SettingsRepository) LoadOverrides(ctx context.Context) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `SELECT media_kind, cost, enabled, providers FROM media_settings ORDER BY media_kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.Kind, &o.Cost, &o.Enabled, &o.Providers); err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}
