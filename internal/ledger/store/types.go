package store

import (
	"context"
	"errors"
)

// Item is the attribute set of a single stored record.
type Item map[string]any

// Key addresses a single record. Sort is empty for tables without a sort key.
type Key struct {
	Partition string
	Sort      string
}

// Index describes a secondary index queried by QueryByIndex.
type Index struct {
	Name          string
	PartitionAttr string
	SortAttr      string
}

// Table describes the logical schema a backend needs to place and index items.
type Table struct {
	Name          string
	PartitionAttr string
	SortAttr      string
	TTLAttr       string
	Indexes       []Index
}

// Index returns the named index definition.
func (t Table) Index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// KeyOf extracts the primary key from an item.
func (t Table) KeyOf(item Item) Key {
	key := Key{Partition: String(item, t.PartitionAttr)}
	if t.SortAttr != "" {
		key.Sort = String(item, t.SortAttr)
	}
	return key
}

// Condition restricts an update to records whose Attr currently holds one of OneOf.
type Condition struct {
	Attr  string
	OneOf []string
}

// Matches reports whether the item satisfies the condition.
func (c *Condition) Matches(item Item) bool {
	if c == nil {
		return true
	}
	current := String(item, c.Attr)
	for _, v := range c.OneOf {
		if v == current {
			return true
		}
	}
	return false
}

// ConditionalStore is the single-record atomic capability the ledger is built on.
// Implementations must make PutIfAbsent and conditional Update atomic per key.
type ConditionalStore interface {
	PutIfAbsent(ctx context.Context, table Table, key Key, item Item) error
	Put(ctx context.Context, table Table, key Key, item Item) error
	Update(ctx context.Context, table Table, key Key, updates Item, cond *Condition) error
	Get(ctx context.Context, table Table, key Key) (Item, error)
	QueryByIndex(ctx context.Context, table Table, indexName, value string) ([]Item, error)
}

var (
	// ErrAlreadyExists signals a PutIfAbsent lost against an existing key.
	ErrAlreadyExists = errors.New("item already exists")
	// ErrNotFound signals the addressed item does not exist.
	ErrNotFound = errors.New("item not found")
	// ErrConditionFailed signals an update precondition did not hold.
	ErrConditionFailed = errors.New("condition failed")
	// ErrUnknownIndex signals a query against an index the table does not declare.
	ErrUnknownIndex = errors.New("unknown index")
)
