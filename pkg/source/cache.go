package source

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/yourusername/quantlink-pairs/pkg/logger"
	"github.com/yourusername/quantlink-pairs/pkg/metrics"
	"github.com/yourusername/quantlink-pairs/pkg/series"
)

// Store persists fetch results by cache key
type Store interface {
	Load(ctx context.Context, key string) (map[string]*series.PriceSeries, bool, error)
	Save(ctx context.Context, key string, data map[string]*series.PriceSeries) error
}

// Cached wraps a Source with a Store keyed by (symbol set, start, end, interval)
type Cached struct {
	src     Source
	store   Store
	metrics *metrics.Recorder
	log     *zap.Logger
	group   singleflight.Group
}

// NewCached creates a caching source; rec and log may be nil
func NewCached(src Source, store Store, rec *metrics.Recorder, log *zap.Logger) *Cached {
	return &Cached{src: src, store: store, metrics: rec, log: logger.OrNop(log).Named("source")}
}

func (c *Cached) Name() string { return c.src.Name() }

// Fetch serves from the store when possible; concurrent misses for one key share a single fetch
func (c *Cached) Fetch(ctx context.Context, symbols []string, p Period) (map[string]*series.PriceSeries, error) {
	key := CacheKey(symbols, p)

	data, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.log.Warn("cache load failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		c.metrics.CacheLookup(true)
		return copyMap(data), nil
	}
	c.metrics.CacheLookup(false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		fetched, err := c.src.Fetch(ctx, symbols, p)
		c.metrics.SourceFetch(c.src.Name(), err)
		if err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, key, fetched); err != nil {
			c.log.Warn("cache save failed", zap.String("key", key), zap.Error(err))
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return copyMap(v.(map[string]*series.PriceSeries)), nil
}

func copyMap(m map[string]*series.PriceSeries) map[string]*series.PriceSeries {
	out := make(map[string]*series.PriceSeries, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MemoryStore keeps results for the life of the process
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*series.PriceSeries
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]*series.PriceSeries)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (map[string]*series.PriceSeries, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entries[key]
	return data, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, data map[string]*series.PriceSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = copyMap(data)
	return nil
}

// SQLiteStore keeps results in a local SQLite file across runs
type SQLiteStore struct {
	db     *sql.DB
	MaxAge time.Duration // 0 = entries never expire
	now    func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS price_cache_entries (
	cache_key  TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS price_cache_symbols (
	cache_key TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	PRIMARY KEY (cache_key, symbol)
);
CREATE TABLE IF NOT EXISTS price_cache_points (
	cache_key TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	price     REAL NOT NULL,
	PRIMARY KEY (cache_key, symbol, ts)
);`

// OpenSQLiteStore opens (creating if needed) the cache database at path; ":memory:" works for tests
func OpenSQLiteStore(path string, maxAge time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open price cache: %w", err)
	}
	// one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create price cache schema: %w", err)
	}
	return &SQLiteStore{db: db, MaxAge: maxAge, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, key string) (map[string]*series.PriceSeries, bool, error) {
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM price_cache_entries WHERE cache_key = ?`, key).Scan(&created)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cache entry: %w", err)
	}
	if s.MaxAge > 0 && s.now().Sub(time.Unix(0, created)) > s.MaxAge {
		return nil, false, nil
	}

	// symbols saved without points come back as empty series
	points := make(map[string][]series.Point)
	symRows, err := s.db.QueryContext(ctx, `SELECT symbol FROM price_cache_symbols WHERE cache_key = ?`, key)
	if err != nil {
		return nil, false, fmt.Errorf("load cache symbols: %w", err)
	}
	for symRows.Next() {
		var sym string
		if err := symRows.Scan(&sym); err != nil {
			symRows.Close()
			return nil, false, fmt.Errorf("scan cache symbol: %w", err)
		}
		points[sym] = nil
	}
	symRows.Close()
	if err := symRows.Err(); err != nil {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, ts, price FROM price_cache_points WHERE cache_key = ? ORDER BY symbol, ts`, key)
	if err != nil {
		return nil, false, fmt.Errorf("load cache points: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sym   string
			ts    int64
			price float64
		)
		if err := rows.Scan(&sym, &ts, &price); err != nil {
			return nil, false, fmt.Errorf("scan cache point: %w", err)
		}
		points[sym] = append(points[sym], series.Point{Time: time.Unix(0, ts).UTC(), Price: price})
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	out := make(map[string]*series.PriceSeries, len(points))
	for sym, pts := range points {
		ps, err := series.New(sym, pts)
		if err != nil {
			return nil, false, fmt.Errorf("cached %s: %w", sym, err)
		}
		out[sym] = ps
	}
	return out, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, data map[string]*series.PriceSeries) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM price_cache_points WHERE cache_key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM price_cache_symbols WHERE cache_key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO price_cache_entries (cache_key, created_at) VALUES (?, ?)`,
		key, s.now().UnixNano()); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO price_cache_points (cache_key, symbol, ts, price) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for sym, ps := range data {
		if ps == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO price_cache_symbols (cache_key, symbol) VALUES (?, ?)`, key, sym); err != nil {
			return fmt.Errorf("save %s: %w", sym, err)
		}
		for i := 0; i < ps.Len(); i++ {
			pt := ps.At(i)
			if _, err := stmt.ExecContext(ctx, key, sym, pt.Time.UnixNano(), pt.Price); err != nil {
				return fmt.Errorf("save %s: %w", sym, err)
			}
		}
	}
	return tx.Commit()
}
