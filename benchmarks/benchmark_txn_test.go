package benchmarks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/queue"
	"github.com/autom8ter/docsync/txn"
)

func BenchmarkTransaction(b *testing.B) {
	ctx := context.Background()
	store := memory.New()
	keys, err := seedStore(ctx, store, 100)
	require.NoError(b, err)
	q := queue.New(ctx)
	defer q.Shutdown()
	runner := txn.NewRunner(store, q, logging.Nop())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := keys[i%len(keys)]
		assert.NoError(b, runner.Run(ctx, func(ctx context.Context, tx *txn.Transaction) error {
			doc, err := tx.Get(ctx, key)
			if err != nil {
				return err
			}
			return tx.Update(key, map[string]any{"age": doc.GetInt("age") + 1})
		}))
	}
}

func BenchmarkTransaction10Reads(b *testing.B) {
	ctx := context.Background()
	store := memory.New()
	keys, err := seedStore(ctx, store, 100)
	require.NoError(b, err)
	q := queue.New(ctx)
	defer q.Shutdown()
	runner := txn.NewRunner(store, q, logging.Nop())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := (i * 10) % (len(keys) - 10)
		assert.NoError(b, runner.Run(ctx, func(ctx context.Context, tx *txn.Transaction) error {
			docs, err := tx.GetAll(ctx, keys[start:start+10]...)
			if err != nil {
				return err
			}
			total := 0
			for _, doc := range docs {
				total += doc.GetInt("age")
			}
			return tx.Set(keys[start], map[string]any{"age": total})
		}))
	}
}
