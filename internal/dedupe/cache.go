// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the job they created.
// ABOUTME: Size-bounded with oldest-first eviction; expired keys are swept once a minute.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sweepInterval is how often the background goroutine drops expired keys.
const sweepInterval = time.Minute

type entry struct {
	key     string
	value   string
	expires time.Time
}

// Cache remembers, for a bounded time, which value was first stored under a
// key. The job API uses it to turn a repeated Idempotency-Key into the job id
// created by the first request.
//
// Every entry shares one TTL, so insertion order is also expiry order: the
// front of byAge is always the next entry to expire and the first to evict.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	byAge   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// New returns a cache holding at most maxSize keys for ttl each, and starts
// its sweeper. Call Close to stop the sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element, maxSize),
		byAge:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// lookup returns the live element for key, dropping it if it has expired.
// Must be called with mu held.
func (c *Cache) lookup(key string) (*list.Element, bool) {
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(el.Value.(*entry).expires) {
		c.drop(el)
		return nil, false
	}
	return el, true
}

func (c *Cache) drop(el *list.Element) {
	e := c.byAge.Remove(el).(*entry)
	delete(c.index, e.key)
}

// Get returns the live value stored under key.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.lookup(key)
	if !ok {
		return "", false
	}
	return el.Value.(*entry).value, true
}

// LoadOrStore returns the live value for key with loaded true, or stores
// value and returns it with loaded false. Exactly one of several concurrent
// callers for the same key stores.
func (c *Cache) LoadOrStore(key, value string) (actual string, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.lookup(key); ok {
		return el.Value.(*entry).value, true
	}

	for len(c.index) >= c.maxSize {
		c.drop(c.byAge.Front())
	}
	c.index[key] = c.byAge.PushBack(&entry{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
	return value, false
}

// Forget drops key. Used when the request that stored it failed, so a retry
// with the same key is not answered with a job that was never created.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.drop(el)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// runCleanup drops expired entries from the front until it meets a live one.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.byAge.Front(); el != nil; el = c.byAge.Front() {
		if now.Before(el.Value.(*entry).expires) {
			return
		}
		c.drop(el)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. Lookups keep working afterwards. Safe to call twice.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}
