package cache

import (
	"container/list"
	"sync"

	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// memoryTier is a bounded LRU over datasets. It is volatile and rebuilt
// lazily from the persistent tier on miss. All operations are safe for
// concurrent use; the lock is held only for list and map bookkeeping.
type memoryTier struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type memoryEntry struct {
	key     string
	dataset *models.Dataset
}

func newMemoryTier(capacity int) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// get returns the dataset for key and promotes it to most recently used.
func (m *memoryTier) get(key string) (*models.Dataset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(elem)
	return elem.Value.(*memoryEntry).dataset, true
}

// put inserts the dataset at the most-recently-used position, evicting the
// least-recently-used entry when over capacity.
func (m *memoryTier) put(key string, ds *models.Dataset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		elem.Value.(*memoryEntry).dataset = ds
		m.order.MoveToFront(elem)
		return
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, dataset: ds})

	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
}

func (m *memoryTier) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.order.Remove(elem)
		delete(m.entries, key)
	}
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order.Init()
	m.entries = make(map[string]*list.Element, m.capacity)
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
