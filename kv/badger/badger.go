package badger

import (
	"github.com/dgraph-io/badger/v3"
	"github.com/spf13/cast"

	"github.com/autom8ter/docsync/kv"
	"github.com/autom8ter/docsync/kv/registry"
)

func init() {
	registry.Register("badger", func(params map[string]any) (kv.DB, error) {
		return New(cast.ToString(params["storage_path"]))
	})
}

type badgerKV struct {
	db       *badger.DB
	inMemory bool
}

// New opens a badger database at storagePath, or in memory if storagePath is empty
func New(storagePath string) (kv.DB, error) {
	opts := badger.DefaultOptions(storagePath)
	if storagePath == "" {
		opts.InMemory = true
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts = opts.WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerKV{db: db, inMemory: opts.InMemory}, nil
}

func (b *badgerKV) Tx(isUpdate bool, fn func(kv.Tx) error) error {
	if isUpdate {
		return b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (b *badgerKV) Close() error {
	if !b.inMemory {
		if err := b.db.Sync(); err != nil {
			return err
		}
	}
	return b.db.Close()
}
