package kv_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/kv"
	_ "github.com/autom8ter/docsync/kv/badger"
	_ "github.com/autom8ter/docsync/kv/redis"
	"github.com/autom8ter/docsync/kv/registry"
)

func providers(t *testing.T) map[string]map[string]any {
	params := map[string]map[string]any{
		"badger": {"storage_path": ""},
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		params["redis"] = map[string]any{"addr": addr, "namespace": fmt.Sprintf("test.%s.", gofakeit.UUID())}
	}
	return params
}

func Test(t *testing.T) {
	assert.Equal(t, []string{"badger", "redis"}, registry.Registered())
	t.Run("unknown provider", func(t *testing.T) {
		_, err := registry.Open("tikv", nil)
		assert.Equal(t, errors.NotFound, errors.CodeOf(err))
	})
	for provider, params := range providers(t) {
		t.Run(provider, func(t *testing.T) {
			db, err := registry.Open(provider, params)
			require.NoError(t, err)
			defer db.Close()
			data := map[string]string{}
			for i := 0; i < 10; i++ {
				data[fmt.Sprintf("data.%d", i)] = fmt.Sprint(i)
			}
			t.Run("set", func(t *testing.T) {
				assert.NoError(t, db.Tx(true, func(tx kv.Tx) error {
					for k, v := range data {
						assert.NoError(t, tx.Set([]byte(k), []byte(v)))
					}
					return nil
				}))
			})
			t.Run("get", func(t *testing.T) {
				assert.NoError(t, db.Tx(false, func(tx kv.Tx) error {
					for k, v := range data {
						value, err := tx.Get([]byte(k))
						assert.NoError(t, err)
						assert.EqualValues(t, v, string(value))
					}
					value, err := tx.Get([]byte("missing"))
					assert.NoError(t, err)
					assert.Nil(t, value)
					return nil
				}))
			})
			t.Run("iterate", func(t *testing.T) {
				assert.NoError(t, db.Tx(false, func(tx kv.Tx) error {
					var keys []string
					assert.NoError(t, kv.Scan(tx, []byte("data."), func(key, value []byte) (bool, error) {
						keys = append(keys, string(key))
						assert.Equal(t, data[string(key)], string(value))
						return true, nil
					}))
					assert.Len(t, keys, len(data))
					assert.IsIncreasing(t, keys)
					return nil
				}))
			})
			t.Run("reverse", func(t *testing.T) {
				assert.NoError(t, db.Tx(false, func(tx kv.Tx) error {
					iter := tx.NewIterator(kv.IterOpts{Prefix: []byte("data."), Reverse: true})
					defer iter.Close()
					require.True(t, iter.Valid())
					assert.Equal(t, "data.9", string(iter.Item().Key()))
					return nil
				}))
			})
			t.Run("failed transactions are discarded", func(t *testing.T) {
				err := db.Tx(true, func(tx kv.Tx) error {
					assert.NoError(t, tx.Set([]byte("data.0"), []byte("changed")))
					return errors.New(errors.Internal, "rollback")
				})
				assert.Error(t, err)
				assert.NoError(t, db.Tx(false, func(tx kv.Tx) error {
					value, err := tx.Get([]byte("data.0"))
					assert.NoError(t, err)
					assert.Equal(t, "0", string(value))
					return nil
				}))
			})
			t.Run("delete and read own writes", func(t *testing.T) {
				assert.NoError(t, db.Tx(true, func(tx kv.Tx) error {
					assert.NoError(t, tx.Delete([]byte("data.1")))
					value, err := tx.Get([]byte("data.1"))
					assert.NoError(t, err)
					assert.Nil(t, value)
					count := 0
					assert.NoError(t, kv.Scan(tx, []byte("data."), func(key, value []byte) (bool, error) {
						count++
						return true, nil
					}))
					assert.Equal(t, len(data)-1, count)
					return nil
				}))
			})
		})
	}
}
