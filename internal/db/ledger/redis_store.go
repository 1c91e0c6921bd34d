package ledgerdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tripledger/internal/ledger/store"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Pipeline() redis.Pipeliner
}

// KEYS[1] item, KEYS[2..] index sets.
// ARGV: conditional flag, expireAt, now, nfields, field/value pairs, one score per index set.
// An index set expires with its longest-lived member and never while a member has no expiry.
var putScript = redis.NewScript(`
local conditional = ARGV[1] == '1'
if conditional and redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if not conditional then
	redis.call('DEL', KEYS[1])
end
local expireAt = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
for i = 0, n - 1 do
	redis.call('HSET', KEYS[1], ARGV[5 + 2 * i], ARGV[6 + 2 * i])
end
if expireAt > 0 then
	redis.call('EXPIREAT', KEYS[1], expireAt)
end
for i = 2, #KEYS do
	local ttl = redis.call('TTL', KEYS[i])
	redis.call('ZADD', KEYS[i], ARGV[5 + 2 * n + i - 2], KEYS[1])
	if expireAt <= 0 then
		redis.call('PERSIST', KEYS[i])
	elseif ttl == -2 or (ttl >= 0 and now + ttl < expireAt) then
		redis.call('EXPIREAT', KEYS[i], expireAt)
	end
end
return 1
`)

// KEYS[1] item. ARGV: cond attr (” for none), ncond, cond values, nfields, field/value pairs.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local ncond = tonumber(ARGV[2])
if ARGV[1] ~= '' then
	local current = redis.call('HGET', KEYS[1], ARGV[1])
	local ok = false
	for i = 0, ncond - 1 do
		if current == ARGV[3 + i] then
			ok = true
		end
	end
	if not ok then
		return 0
	end
end
local pos = 3 + ncond
local n = tonumber(ARGV[pos])
for i = 0, n - 1 do
	redis.call('HSET', KEYS[1], ARGV[pos + 1 + 2 * i], ARGV[pos + 2 + 2 * i])
end
return 1
`)

// KEYS[1] index set, KEYS[2..] members. ARGV: partition attr, encoded index value.
// Drops members whose item expired or moved to another index value.
var pruneScript = redis.NewScript(`
for i = 2, #KEYS do
	if redis.call('HGET', KEYS[i], ARGV[1]) ~= ARGV[2] then
		redis.call('ZREM', KEYS[1], KEYS[i])
	end
end
return 1
`)

// RedisStore implements ConditionalStore with one hash per item and a sorted set
// per secondary index value. Lua scripts keep each write atomic; Redis expiry
// enforces the TTL attribute natively.
type RedisStore struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed store. Keys are namespaced under prefix.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ledger:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	created, err := r.put(ctx, table, key, item, true)
	if err != nil {
		return err
	}
	if !created {
		return store.ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) Put(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	_, err := r.put(ctx, table, key, item, false)
	return err
}

func (r *RedisStore) put(ctx context.Context, table store.Table, key store.Key, item store.Item, conditional bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fields, err := encodeFields(item)
	if err != nil {
		return false, store.Permanent(err)
	}

	var expireAt int64
	if table.TTLAttr != "" {
		expireAt, _ = store.Int64(item, table.TTLAttr)
	}
	flag := "0"
	if conditional {
		flag = "1"
	}

	keys := []string{r.itemKey(table, key)}
	args := []any{flag, expireAt, r.now().Unix(), len(fields) / 2}
	args = append(args, fields...)
	for _, idx := range table.Indexes {
		v := store.String(item, idx.PartitionAttr)
		if v == "" {
			continue
		}
		keys = append(keys, r.indexKey(table, idx, v))
		args = append(args, indexScore(item, idx))
	}

	res, err := putScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, classifyRedis(err)
	}
	return res == 1, nil
}

func (r *RedisStore) Update(ctx context.Context, table store.Table, key store.Key, updates store.Item, cond *store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields, err := encodeFields(updates)
	if err != nil {
		return store.Permanent(err)
	}

	args := []any{"", 0}
	if cond != nil {
		args = []any{cond.Attr, len(cond.OneOf)}
		for _, v := range cond.OneOf {
			encoded, err := json.Marshal(v)
			if err != nil {
				return store.Permanent(err)
			}
			args = append(args, string(encoded))
		}
	}
	args = append(args, len(fields)/2)
	args = append(args, fields...)

	res, err := updateScript.Run(ctx, r.client, []string{r.itemKey(table, key)}, args...).Int()
	if err != nil {
		return classifyRedis(err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return store.ErrConditionFailed
	default:
		return store.ErrNotFound
	}
}

func (r *RedisStore) Get(ctx context.Context, table store.Table, key store.Key) (store.Item, error) {
	items, err := r.fetch(ctx, []string{r.itemKey(table, key)})
	if err != nil {
		return nil, err
	}
	if items[0] == nil {
		return nil, store.ErrNotFound
	}
	return items[0], nil
}

func (r *RedisStore) QueryByIndex(ctx context.Context, table store.Table, name, value string) ([]store.Item, error) {
	idx, ok := table.Index(name)
	if !ok {
		return nil, store.Permanent(fmt.Errorf("%w: %s on %s", store.ErrUnknownIndex, name, table.Name))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	indexKey := r.indexKey(table, idx, value)
	members, err := r.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, classifyRedis(err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	fetched, err := r.fetch(ctx, members)
	if err != nil {
		return nil, err
	}

	items := make([]store.Item, 0, len(fetched))
	stale := []string{indexKey}
	for i, item := range fetched {
		// Members outlive expired or re-indexed items; skip and prune them.
		if item == nil || store.String(item, idx.PartitionAttr) != value {
			stale = append(stale, members[i])
			continue
		}
		items = append(items, item)
	}
	if len(stale) > 1 {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, store.Permanent(err)
		}
		// Rechecked inside the script so an item re-put since the fetch keeps its membership.
		if err := pruneScript.Run(ctx, r.client, stale, idx.PartitionAttr, string(encoded)).Err(); err != nil {
			return nil, classifyRedis(err)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return store.String(items[i], idx.SortAttr) < store.String(items[j], idx.SortAttr)
	})
	return items, nil
}

func (r *RedisStore) fetch(ctx context.Context, keys []string) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classifyRedis(err)
	}

	items := make([]store.Item, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		item, err := decodeFields(fields)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return items, nil
}

func (r *RedisStore) itemKey(table store.Table, key store.Key) string {
	return fmt.Sprintf("%s%s:%d:%s:%s", r.prefix, table.Name, len(key.Partition), key.Partition, key.Sort)
}

func (r *RedisStore) indexKey(table store.Table, idx store.Index, value string) string {
	return fmt.Sprintf("%s%s:idx:%s:%s", r.prefix, table.Name, idx.Name, value)
}

func indexScore(item store.Item, idx store.Index) int64 {
	if t, ok := store.Time(item, idx.SortAttr); ok {
		return t.UnixMicro()
	}
	return 0
}

func encodeFields(item store.Item) ([]any, error) {
	names := make([]string, 0, len(item))
	for k := range item {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]any, 0, len(item)*2)
	for _, k := range names {
		data, err := json.Marshal(item[k])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		fields = append(fields, k, string(data))
	}
	return fields, nil
}

func decodeFields(fields map[string]string) (store.Item, error) {
	item := make(store.Item, len(fields))
	for k, raw := range fields {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, store.Permanent(fmt.Errorf("decode %s: %w", k, err))
		}
		item[k] = v
	}
	return item, nil
}

// classifyRedis marks server replies and network failures so the ledger knows what to retry.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	for _, prefix := range []string{"LOADING", "TRYAGAIN", "BUSY", "CLUSTERDOWN", "MASTERDOWN"} {
		if redis.HasErrorPrefix(err, prefix) {
			return store.Transient(err)
		}
	}
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM"} {
		if redis.HasErrorPrefix(err, prefix) {
			return store.Permanent(err)
		}
	}
	if errors.Is(err, redis.ErrClosed) {
		return store.Permanent(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return store.Transient(err)
	}
	return err
}
