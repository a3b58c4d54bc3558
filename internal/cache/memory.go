package cache

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"healthlink_gateway/internal/identity"
	"healthlink_gateway/types"
)

type Source string

const (
	SourceMemory                Source = "memory"
	SourceMemoryIdentity        Source = "memory-identity"
	SourceMemoryHistory         Source = "memory-history"
	SourceMemoryHistoryIdentity Source = "memory-history-identity"
	SourceDB                    Source = "db"
	SourceDBIdentity            Source = "db-identity"
	SourceDBHistory             Source = "db-history"
)

// Lookup параметры поиска записи в кэше
type Lookup struct {
	AppUserID    string
	RequestHash  string
	IdentityHash string
	Targets      []string
	YearLimit    int
	SubjectType  string
	// AllowHistory разрешает отдавать просроченные записи
	AllowHistory bool
	// MaxAge игнорирует записи старше указанного возраста, 0 без ограничения
	MaxAge time.Duration
}

type Hit struct {
	Entry  *types.CacheEntry
	Source Source
	Stale  bool
}

type MemoryConfig struct {
	MaxEntries   int
	HistoryGrace time.Duration
}

type memoryItem struct {
	entry       *types.CacheEntry
	identityKey string
}

// Memory кэш в памяти процесса. entries основное хранилище,
// byIdentity вторичный индекс, изменяется только вместе с entries.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memoryItem
	byIdentity map[string]string
	cfg        MemoryConfig
	now        func() time.Time
}

func NewMemory(cfg MemoryConfig, now func() time.Time) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1200
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		entries:    make(map[string]*memoryItem),
		byIdentity: make(map[string]string),
		cfg:        cfg,
		now:        now,
	}
}

func requestKey(appUserID, requestHash string) string {
	return appUserID + "|" + requestHash
}

func identityKey(appUserID, identityHash string, targets []string, yearLimit int, subjectType string) string {
	return appUserID + "|" + identityHash + "|" + identity.TargetsKey(targets) + "|" +
		strconv.Itoa(yearLimit) + "|" + subjectType
}

// Put сохраняет запись, вытесняя просроченные и самые старые при переполнении
func (m *Memory) Put(entry *types.CacheEntry) {
	if entry == nil || entry.RequestHash == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := requestKey(entry.AppUserID, entry.RequestHash)
	item := &memoryItem{
		entry:       entry.Clone(),
		identityKey: identityKey(entry.AppUserID, entry.IdentityHash, entry.Targets, entry.YearLimit, entry.SubjectType),
	}
	if prev, ok := m.entries[key]; ok && prev.identityKey != item.identityKey {
		m.dropLocked(key)
	}
	m.entries[key] = item

	if current, ok := m.byIdentity[item.identityKey]; !ok || current == key ||
		!m.entries[current].entry.FetchedAt.After(item.entry.FetchedAt) {
		m.byIdentity[item.identityKey] = key
	}

	m.trimExpiredLocked()
	m.trimToLimitLocked()
}

// Get ищет запись: точный ключ, затем по владельцу; при AllowHistory то же
// самое повторяется для просроченных записей в пределах grace окна.
func (m *Memory) Get(q Lookup) *Hit {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.trimExpiredLocked()

	exactKey := requestKey(q.AppUserID, q.RequestHash)
	identKey := identityKey(q.AppUserID, q.IdentityHash, q.Targets, q.YearLimit, q.SubjectType)

	if item := m.usableLocked(m.entries[exactKey], q.MaxAge, now, false); item != nil {
		return m.hitLocked(item, SourceMemory, now)
	}
	if item := m.usableLocked(m.identityItemLocked(identKey, q.IdentityHash), q.MaxAge, now, false); item != nil {
		return m.hitLocked(item, SourceMemoryIdentity, now)
	}
	if !q.AllowHistory {
		return nil
	}
	if item := m.usableLocked(m.entries[exactKey], q.MaxAge, now, true); item != nil {
		return &Hit{Entry: item.entry.Clone(), Source: SourceMemoryHistory, Stale: item.entry.Expired(now)}
	}
	if item := m.usableLocked(m.identityItemLocked(identKey, q.IdentityHash), q.MaxAge, now, true); item != nil {
		return &Hit{Entry: item.entry.Clone(), Source: SourceMemoryHistoryIdentity, Stale: item.entry.Expired(now)}
	}
	return nil
}

func (m *Memory) identityItemLocked(identKey, identityHash string) *memoryItem {
	if identityHash == "" {
		return nil
	}
	key, ok := m.byIdentity[identKey]
	if !ok {
		return nil
	}
	return m.entries[key]
}

func (m *Memory) usableLocked(item *memoryItem, maxAge time.Duration, now time.Time, allowStale bool) *memoryItem {
	if item == nil {
		return nil
	}
	if maxAge > 0 && now.Sub(item.entry.FetchedAt) > maxAge {
		return nil
	}
	if !allowStale && item.entry.Expired(now) {
		return nil
	}
	return item
}

func (m *Memory) hitLocked(item *memoryItem, source Source, now time.Time) *Hit {
	hitAt := now
	item.entry.HitCount++
	item.entry.LastHitAt = &hitAt
	return &Hit{Entry: item.entry.Clone(), Source: source}
}

// ClearUser удаляет все записи пользователя, возвращает их количество
func (m *Memory) ClearUser(appUserID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, item := range m.entries {
		if item.entry.AppUserID == appUserID {
			m.dropLocked(key)
			removed++
		}
	}
	return removed
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) trimExpiredLocked() {
	now := m.now()
	for key, item := range m.entries {
		if now.After(item.entry.ExpiresAt.Add(m.cfg.HistoryGrace)) {
			m.dropLocked(key)
		}
	}
}

// trimToLimitLocked вытесняет самые старые по FetchedAt, обращения не учитываются
func (m *Memory) trimToLimitLocked() {
	overflow := len(m.entries) - m.cfg.MaxEntries
	if overflow <= 0 {
		return
	}

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.entries[keys[i]].entry.FetchedAt.Before(m.entries[keys[j]].entry.FetchedAt)
	})
	for _, key := range keys[:overflow] {
		m.dropLocked(key)
	}
}

// dropLocked удаляет запись и перестраивает индекс владельца, если он указывал на неё
func (m *Memory) dropLocked(key string) {
	item, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)

	if m.byIdentity[item.identityKey] != key {
		return
	}
	delete(m.byIdentity, item.identityKey)

	var latest string
	for k, other := range m.entries {
		if other.identityKey != item.identityKey {
			continue
		}
		if latest == "" || other.entry.FetchedAt.After(m.entries[latest].entry.FetchedAt) {
			latest = k
		}
	}
	if latest != "" {
		m.byIdentity[item.identityKey] = latest
	}
}
