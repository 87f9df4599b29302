package surge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one supply/demand observation inside a cell's rolling window.
type Entry struct {
	AtMs    int64
	Drivers int
	Rides   int
}

// Window is the per-cell snapshot history plus the fast-read multiplier
// cache. Entries are stored as "{drivers}:{rides}" scored by event-time-ms.
type Window interface {
	Append(ctx context.Context, cellID string, atMs int64, drivers, rides int) error
	Trim(ctx context.Context, cellID string, beforeMs int64) error
	// Entries returns the surviving window ascending by time.
	Entries(ctx context.Context, cellID string) ([]Entry, error)
	CacheMultiplier(ctx context.Context, cellID string, multiplier float64) error
	CachedMultiplier(ctx context.Context, cellID string) (float64, bool, error)
}

const (
	windowSeconds = 300
	cacheTTL      = 10 * time.Second
)

func windowKey(cellID string) string { return "surge:window:" + cellID }
func cacheKey(cellID string) string  { return "surge:cell:" + cellID }

func member(drivers, rides int) string {
	return strconv.Itoa(drivers) + ":" + strconv.Itoa(rides)
}

func parseMember(m string) (drivers, rides int, err error) {
	parts := strings.SplitN(m, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("surge: bad window member %q", m)
	}
	drivers, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	rides, err = strconv.Atoi(parts[1])
	return drivers, rides, err
}

var _ Window = (*RedisWindow)(nil)

// RedisWindow keeps the window in a sorted set and the multiplier in a
// string key whose TTL matches the snapshot cadence.
type RedisWindow struct {
	client *redis.Client
}

func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

func (w *RedisWindow) Append(ctx context.Context, cellID string, atMs int64, drivers, rides int) error {
	key := windowKey(cellID)
	if err := w.client.ZAdd(ctx, key, redis.Z{Score: float64(atMs), Member: member(drivers, rides)}).Err(); err != nil {
		return err
	}
	return w.client.Expire(ctx, key, (windowSeconds+60)*time.Second).Err()
}

func (w *RedisWindow) Trim(ctx context.Context, cellID string, beforeMs int64) error {
	return w.client.ZRemRangeByScore(ctx, windowKey(cellID), "0", strconv.FormatInt(beforeMs, 10)).Err()
}

func (w *RedisWindow) Entries(ctx context.Context, cellID string) ([]Entry, error) {
	zs, err := w.client.ZRangeWithScores(ctx, windowKey(cellID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		m, ok := z.Member.(string)
		if !ok {
			continue
		}
		drivers, rides, err := parseMember(m)
		if err != nil {
			continue
		}
		out = append(out, Entry{AtMs: int64(z.Score), Drivers: drivers, Rides: rides})
	}
	return out, nil
}

func (w *RedisWindow) CacheMultiplier(ctx context.Context, cellID string, multiplier float64) error {
	return w.client.Set(ctx, cacheKey(cellID), strconv.FormatFloat(multiplier, 'f', -1, 64), cacheTTL).Err()
}

func (w *RedisWindow) CachedMultiplier(ctx context.Context, cellID string) (float64, bool, error) {
	v, err := w.client.Get(ctx, cacheKey(cellID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

// MemoryWindow mirrors the Redis semantics in process, including the
// member collapse: identical "{drivers}:{rides}" observations keep only
// their latest score.
type MemoryWindow struct {
	mu      sync.Mutex
	windows map[string]map[string]int64 // cell → member → atMs
	cache   map[string]cachedValue
	now     func() time.Time
}

type cachedValue struct {
	multiplier float64
	expires    time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		windows: make(map[string]map[string]int64),
		cache:   make(map[string]cachedValue),
		now:     time.Now,
	}
}

func (w *MemoryWindow) SetClock(now func() time.Time) { w.now = now }

func (w *MemoryWindow) Append(_ context.Context, cellID string, atMs int64, drivers, rides int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.windows[cellID] == nil {
		w.windows[cellID] = make(map[string]int64)
	}
	w.windows[cellID][member(drivers, rides)] = atMs
	return nil
}

func (w *MemoryWindow) Trim(_ context.Context, cellID string, beforeMs int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for m, at := range w.windows[cellID] {
		if at <= beforeMs {
			delete(w.windows[cellID], m)
		}
	}
	return nil
}

func (w *MemoryWindow) Entries(_ context.Context, cellID string) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Entry
	for m, at := range w.windows[cellID] {
		drivers, rides, err := parseMember(m)
		if err != nil {
			continue
		}
		out = append(out, Entry{AtMs: at, Drivers: drivers, Rides: rides})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AtMs < out[j].AtMs })
	return out, nil
}

func (w *MemoryWindow) CacheMultiplier(_ context.Context, cellID string, multiplier float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache[cellID] = cachedValue{multiplier: multiplier, expires: w.now().Add(cacheTTL)}
	return nil
}

func (w *MemoryWindow) CachedMultiplier(_ context.Context, cellID string) (float64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.cache[cellID]
	if !ok || w.now().After(v.expires) {
		return 0, false, nil
	}
	return v.multiplier, true, nil
}

var _ Window = (*MemoryWindow)(nil)
