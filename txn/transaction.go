package txn

import (
	"context"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
)

// Datastore is the backend a transaction reads from and commits to
type Datastore interface {
	// Lookup returns the documents at the given keys, in order. Missing documents are returned as
	// tombstones at model.NoVersion.
	Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.Document, error)
	// Commit atomically applies the writes if every read key is still at the given version.
	// model.NoVersion means the document must not exist.
	Commit(ctx context.Context, reads map[model.DocumentKey]model.SnapshotVersion, writes []model.Mutation) error
}

type readRecord struct {
	version model.SnapshotVersion
	exists  bool
}

// Transaction is a single attempt of a transaction. A fresh Transaction is passed to every attempt.
// All reads must happen before the first write.
type Transaction struct {
	mu        sync.Mutex
	id        string
	attempt   int
	datastore Datastore
	reads     map[model.DocumentKey]readRecord
	written   map[model.DocumentKey]model.MutationKind
	writes    []model.Mutation
	abortErr  error
	misuseErr error
}

func newTransaction(datastore Datastore, attempt int) *Transaction {
	return &Transaction{
		id:        ksuid.New().String(),
		attempt:   attempt,
		datastore: datastore,
		reads:     map[model.DocumentKey]readRecord{},
		written:   map[model.DocumentKey]model.MutationKind{},
	}
}

// ID returns the unique id of the attempt
func (t *Transaction) ID() string {
	return t.id
}

// Attempt returns the 1-based attempt number
func (t *Transaction) Attempt() int {
	return t.attempt
}

func (t *Transaction) misuse(code errors.Code, msg string, args ...any) error {
	err := errors.New(code, msg, args...)
	if t.misuseErr == nil {
		t.misuseErr = err
	}
	return err
}

// Get reads the document at key. A missing document is returned as a tombstone.
func (t *Transaction) Get(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	docs, err := t.GetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// GetAll reads the documents at the given keys in one lookup
func (t *Transaction) GetAll(ctx context.Context, keys ...model.DocumentKey) ([]*model.Document, error) {
	t.mu.Lock()
	if len(t.writes) > 0 {
		defer t.mu.Unlock()
		return nil, t.misuse(errors.InvalidArgument, "transactions require all reads to be executed before all writes")
	}
	for _, key := range keys {
		if err := key.Validate(); err != nil {
			defer t.mu.Unlock()
			return nil, t.misuse(errors.InvalidArgument, "invalid document key: %s", key)
		}
	}
	t.mu.Unlock()
	if len(keys) == 0 {
		return nil, nil
	}

	docs, err := t.datastore.Lookup(ctx, keys)
	if err != nil {
		return nil, errors.Wrap(err, 0, "transaction lookup failed")
	}
	if len(docs) != len(keys) {
		return nil, errors.New(errors.Internal, "lookup returned %d documents for %d keys", len(docs), len(keys))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, doc := range docs {
		if err := t.recordVersion(doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (t *Transaction) recordVersion(doc *model.Document) error {
	record := readRecord{exists: doc.Exists()}
	if doc.Exists() {
		record.version = doc.Version()
	}
	if existing, ok := t.reads[doc.Key()]; ok {
		if existing != record {
			if t.abortErr == nil {
				t.abortErr = errors.New(errors.Aborted, "document version changed between two reads: %s", doc.Key())
			}
			return t.abortErr
		}
		return nil
	}
	t.reads[doc.Key()] = record
	return nil
}

func (t *Transaction) write(m model.Mutation) error {
	if err := m.Key.Validate(); err != nil {
		return t.misuse(errors.InvalidArgument, "invalid document key: %s", m.Key)
	}
	t.writes = append(t.writes, m)
	t.written[m.Key] = m.Kind
	return nil
}

// Set replaces the document at key with data
func (t *Transaction) Set(key model.DocumentKey, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(model.SetMutation(key, data))
}

// Update sets the dot separated field paths in data on an existing document
func (t *Transaction) Update(key model.DocumentKey, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if kind, ok := t.written[key]; ok {
		if kind == model.MutationDelete {
			return t.misuse(errors.NotFound, "can't update a document deleted in the same transaction: %s", key)
		}
	} else if read, ok := t.reads[key]; ok && !read.exists {
		return t.misuse(errors.NotFound, "can't update a document that doesn't exist: %s", key)
	}
	return t.write(model.UpdateMutation(key, data))
}

// Delete deletes the document at key
func (t *Transaction) Delete(key model.DocumentKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(model.DeleteMutation(key))
}

// isMisuse reports whether err is, or wraps, the attempt's misuse error
func (t *Transaction) isMisuse(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.misuseErr != nil && errors.Is(err, t.misuseErr)
}

// isAborted reports whether err is, or wraps, the attempt's abort error
func (t *Transaction) isAborted(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortErr != nil && errors.Is(err, t.abortErr)
}

// commit sends the read versions and writes of the attempt. It is not cancelled with ctx.
func (t *Transaction) commit(ctx context.Context) error {
	t.mu.Lock()
	if t.misuseErr != nil {
		defer t.mu.Unlock()
		return t.misuseErr
	}
	if t.abortErr != nil {
		defer t.mu.Unlock()
		return t.abortErr
	}
	if len(t.writes) == 0 && len(t.reads) == 0 {
		t.mu.Unlock()
		return nil
	}
	reads := make(map[model.DocumentKey]model.SnapshotVersion, len(t.reads))
	for key, read := range t.reads {
		reads[key] = read.version
	}
	writes := append([]model.Mutation{}, t.writes...)
	t.mu.Unlock()
	return t.datastore.Commit(context.WithoutCancel(ctx), reads, writes)
}
