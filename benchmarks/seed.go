package benchmarks

import (
	"context"

	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/testutil"
)

// seedStore writes n fake user documents to the store and returns their keys
func seedStore(ctx context.Context, store *memory.Store, n int) ([]model.DocumentKey, error) {
	writes := make([]model.Mutation, 0, n)
	keys := make([]model.DocumentKey, 0, n)
	for i := 0; i < n; i++ {
		u := testutil.NewUserDoc()
		writes = append(writes, model.SetMutation(u.Key(), u.Fields()))
		keys = append(keys, u.Key())
	}
	if _, err := store.Write(ctx, writes...); err != nil {
		return nil, err
	}
	return keys, nil
}

// userDocs returns n fake user documents at version
func userDocs(n int, version model.SnapshotVersion) []*model.Document {
	docs := make([]*model.Document, 0, n)
	for i := 0; i < n; i++ {
		u := testutil.NewUserDoc()
		docs = append(docs, model.MustDocument(u.Key(), version, u.Fields()))
	}
	return docs
}
