package badger

import (
	"github.com/dgraph-io/badger/v3"

	"github.com/autom8ter/docsync/kv"
)

type badgerTx struct {
	txn *badger.Txn
}

func (b *badgerTx) NewIterator(kopts kv.IterOpts) kv.Iterator {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.PrefetchSize = 10
	opts.Prefix = kopts.Prefix
	opts.Reverse = kopts.Reverse
	iter := b.txn.NewIterator(opts)
	switch {
	case kopts.Seek != nil:
		iter.Seek(kopts.Seek)
	case kopts.Reverse && kopts.Prefix != nil:
		// reverse iteration starts from the last key sharing the prefix
		iter.Seek(append(append([]byte{}, kopts.Prefix...), 0xFF))
	default:
		iter.Rewind()
	}
	return &badgerIterator{iter: iter, opts: kopts}
}

func (b *badgerTx) Get(key []byte) ([]byte, error) {
	i, err := b.txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return i.ValueCopy(nil)
}

func (b *badgerTx) Set(key, value []byte) error {
	return b.txn.SetEntry(badger.NewEntry(key, value))
}

func (b *badgerTx) Delete(key []byte) error {
	return b.txn.Delete(key)
}
