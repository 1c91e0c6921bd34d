package ledgerdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"tripledger/internal/ledger/store"
)

const memItems = "items"

type memEntry struct {
	ID      string
	Indexes map[string]string
	Item    store.Item
}

// MemoryStore is an in-process ConditionalStore on go-memdb. Write transactions
// are serialized by memdb, which gives put-if-absent the same atomicity a remote store has.
type MemoryStore struct {
	db  *memdb.MemDB
	now func() time.Time
}

// NewMemoryStore constructs an empty in-memory store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) (*MemoryStore, error) {
	if now == nil {
		now = time.Now
	}
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			memItems: {
				Name: memItems,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"secondary": {
						Name:         "secondary",
						AllowMissing: true,
						Indexer:      &memdb.StringMapFieldIndex{Field: "Indexes"},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memdb schema: %w", err)
	}
	return &MemoryStore{db: db, now: now}, nil
}

func (m *MemoryStore) PutIfAbsent(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := m.live(txn, table, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return store.ErrAlreadyExists
	}
	if err := txn.Insert(memItems, newMemEntry(table, key, item)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(memItems, newMemEntry(table, key, item)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, table store.Table, key store.Key, updates store.Item, cond *store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := m.live(txn, table, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return store.ErrNotFound
	}
	if !cond.Matches(existing.Item) {
		return store.ErrConditionFailed
	}
	merged := store.Clone(existing.Item)
	for k, v := range updates {
		merged[k] = v
	}
	if err := txn.Insert(memItems, newMemEntry(table, key, merged)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, table store.Table, key store.Key) (store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := m.db.Txn(false)
	defer txn.Abort()

	existing, err := m.live(txn, table, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, store.ErrNotFound
	}
	return store.Clone(existing.Item), nil
}

func (m *MemoryStore) QueryByIndex(ctx context.Context, table store.Table, indexName, value string) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx, ok := table.Index(indexName)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", store.ErrUnknownIndex, indexName, table.Name)
	}
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(memItems, "secondary", indexKey(table, idx), value)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var items []store.Item
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entry := raw.(*memEntry)
		if store.Expired(table, entry.Item, now) {
			continue
		}
		items = append(items, store.Clone(entry.Item))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return store.String(items[i], idx.SortAttr) < store.String(items[j], idx.SortAttr)
	})
	return items, nil
}

func (m *MemoryStore) live(txn *memdb.Txn, table store.Table, key store.Key) (*memEntry, error) {
	raw, err := txn.First(memItems, "id", entryID(table, key))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	entry := raw.(*memEntry)
	if store.Expired(table, entry.Item, m.now()) {
		return nil, nil
	}
	return entry, nil
}

func newMemEntry(table store.Table, key store.Key, item store.Item) *memEntry {
	entry := &memEntry{
		ID:   entryID(table, key),
		Item: store.Clone(item),
	}
	for _, idx := range table.Indexes {
		v := store.String(item, idx.PartitionAttr)
		if v == "" {
			continue
		}
		if entry.Indexes == nil {
			entry.Indexes = make(map[string]string)
		}
		entry.Indexes[indexKey(table, idx)] = v
	}
	return entry
}

func entryID(table store.Table, key store.Key) string {
	return fmt.Sprintf("%s\x00%s\x00%s", table.Name, key.Partition, key.Sort)
}

func indexKey(table store.Table, idx store.Index) string {
	return table.Name + "/" + idx.Name
}
