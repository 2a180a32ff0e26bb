// Package redis is a kv provider on a redis server. Writes of a transaction are applied atomically
// with MULTI/EXEC. Reads are not isolated from concurrent writers.
package redis

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/go-redis/redis/v9"
	"github.com/spf13/cast"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/kv"
	"github.com/autom8ter/docsync/kv/registry"
)

func init() {
	registry.Register("redis", func(params map[string]any) (kv.DB, error) {
		return New(&redis.Options{
			Addr:     cast.ToString(params["addr"]),
			Username: cast.ToString(params["username"]),
			Password: cast.ToString(params["password"]),
			DB:       cast.ToInt(params["db"]),
		}, cast.ToString(params["namespace"]))
	})
}

type redisKV struct {
	client    *redis.Client
	namespace string
}

// New connects to redis. Every key is stored under the namespace prefix.
func New(opts *redis.Options, namespace string) (kv.DB, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.Unavailable, "failed to connect to redis at %s", opts.Addr)
	}
	return &redisKV{client: client, namespace: namespace}, nil
}

func (r *redisKV) Tx(isUpdate bool, fn func(kv.Tx) error) error {
	ctx := context.Background()
	tx := &redisTx{db: r, ctx: ctx, writes: map[string][]byte{}, readOnly: !isUpdate}
	if err := fn(tx); err != nil {
		return err
	}
	if !isUpdate || len(tx.writes) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range tx.order {
			value := tx.writes[key]
			if value == nil {
				pipe.Del(ctx, r.namespace+key)
				continue
			}
			pipe.Set(ctx, r.namespace+key, value, 0)
		}
		return nil
	})
	return err
}

func (r *redisKV) Close() error {
	return r.client.Close()
}

type redisTx struct {
	db       *redisKV
	ctx      context.Context
	readOnly bool
	writes   map[string][]byte
	order    []string
}

func (t *redisTx) Get(key []byte) ([]byte, error) {
	if value, ok := t.writes[string(key)]; ok {
		return value, nil
	}
	value, err := t.db.client.Get(t.ctx, t.db.namespace+string(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return value, err
}

func (t *redisTx) record(key string, value []byte) error {
	if t.readOnly {
		return errors.New(errors.FailedPrecondition, "write in a read only transaction")
	}
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = value
	return nil
}

func (t *redisTx) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.record(string(key), value)
}

func (t *redisTx) Delete(key []byte) error {
	return t.record(string(key), nil)
}

// NewIterator scans the matching keys up front and merges the transaction's own writes
func (t *redisTx) NewIterator(opts kv.IterOpts) kv.Iterator {
	iter := &redisIterator{tx: t, opts: opts}
	keys := map[string]struct{}{}
	match := t.db.namespace + escapeGlob(string(opts.Prefix)) + "*"
	var cursor uint64
	for {
		page, next, err := t.db.client.Scan(t.ctx, cursor, match, 256).Result()
		if err != nil {
			iter.err = err
			break
		}
		for _, k := range page {
			keys[strings.TrimPrefix(k, t.db.namespace)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	for k, v := range t.writes {
		if !strings.HasPrefix(k, string(opts.Prefix)) {
			continue
		}
		if v == nil {
			delete(keys, k)
		} else {
			keys[k] = struct{}{}
		}
	}
	for k := range keys {
		iter.keys = append(iter.keys, []byte(k))
	}
	sort.Slice(iter.keys, func(i, j int) bool {
		if opts.Reverse {
			return bytes.Compare(iter.keys[i], iter.keys[j]) > 0
		}
		return bytes.Compare(iter.keys[i], iter.keys[j]) < 0
	})
	if opts.Seek != nil {
		iter.Seek(opts.Seek)
	}
	return iter
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type redisIterator struct {
	tx   *redisTx
	opts kv.IterOpts
	keys [][]byte
	pos  int
	err  error
}

func (i *redisIterator) Seek(key []byte) {
	i.pos = sort.Search(len(i.keys), func(n int) bool {
		if i.opts.Reverse {
			return bytes.Compare(i.keys[n], key) <= 0
		}
		return bytes.Compare(i.keys[n], key) >= 0
	})
}

func (i *redisIterator) Close() {}

func (i *redisIterator) Valid() bool {
	return i.err == nil && i.pos < len(i.keys)
}

func (i *redisIterator) Item() kv.Item {
	return item{tx: i.tx, key: i.keys[i.pos]}
}

func (i *redisIterator) Next() {
	i.pos++
}

type item struct {
	tx  *redisTx
	key []byte
}

func (i item) Key() []byte {
	return i.key
}

func (i item) Value() ([]byte, error) {
	return i.tx.Get(i.key)
}
