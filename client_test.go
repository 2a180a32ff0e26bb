package docsync_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autom8ter/docsync"
	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/localstore"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/remote"
	"github.com/autom8ter/docsync/testutil"
	"github.com/autom8ter/docsync/txn"
)

func testConfig(t *testing.T) docsync.Config {
	cfg := docsync.DefaultConfig()
	cfg.ProjectID = "test"
	cfg.Transactions.InitialBackoff = time.Millisecond
	cfg.Transactions.MaxBackoff = 10 * time.Millisecond
	return cfg
}

func openClient(t *testing.T, cfg docsync.Config, store *memory.Store, opts ...docsync.Option) *docsync.Client {
	opts = append([]docsync.Option{docsync.WithLogger(logging.FromZap(zaptest.NewLogger(t)))}, opts...)
	client, err := docsync.Open(context.Background(), cfg, store, store.NewStream(), opts...)
	require.NoError(t, err)
	return client
}

func waitFor(t *testing.T, fn func() bool) {
	require.Eventually(t, fn, 5*time.Second, 10*time.Millisecond)
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := docsync.LoadConfig(map[string]any{"projectId": "p"})
		require.NoError(t, err)
		assert.Equal(t, "badger", cfg.Provider)
		assert.Equal(t, "(default)", cfg.DatabaseID)
		assert.Equal(t, txn.DefaultOptions(), cfg.Transactions)
	})
	t.Run("durations from strings", func(t *testing.T) {
		cfg, err := docsync.LoadConfig(map[string]any{
			"projectId": "p",
			"transactions": map[string]any{
				"maxAttempts":    "3",
				"initialBackoff": "250ms",
				"maxBackoff":     "2s",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Transactions.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Transactions.InitialBackoff)
		assert.Equal(t, 2*time.Second, cfg.Transactions.MaxBackoff)
		assert.Equal(t, txn.DefaultOptions().BackoffFactor, cfg.Transactions.BackoffFactor)
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := docsync.LoadConfig(map[string]any{})
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
		_, err = docsync.LoadConfig(map[string]any{"projectId": "p", "logLevel": "loud"})
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
		_, err = docsync.LoadConfig(map[string]any{"projectId": "p", "transactions": map[string]any{"maxAttempts": 0}})
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("files", func(t *testing.T) {
		dir := t.TempDir()
		yamlPath := filepath.Join(dir, "docsync.yaml")
		require.NoError(t, os.WriteFile(yamlPath, []byte(`
projectId: p
provider: badger
providerParams:
  storage_path: ./data
transactions:
  maxAttempts: 7
`), 0644))
		cfg, err := docsync.LoadConfigFile(yamlPath)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Transactions.MaxAttempts)
		assert.Equal(t, "./data", cfg.ProviderParams["storage_path"])

		jsonPath := filepath.Join(dir, "docsync.json")
		require.NoError(t, os.WriteFile(jsonPath, []byte(`{"projectId": "q", "logLevel": "debug"}`), 0644))
		cfg, err = docsync.LoadConfigFile(jsonPath)
		require.NoError(t, err)
		assert.Equal(t, "q", cfg.ProjectID)
		assert.Equal(t, "debug", cfg.LogLevel)

		_, err = docsync.LoadConfigFile(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Provider = "etcd"
		store := memory.New()
		_, err := docsync.Open(context.Background(), cfg, store, store.NewStream())
		assert.Equal(t, errors.NotFound, errors.CodeOf(err))
	})
	t.Run("invalid config", func(t *testing.T) {
		store := memory.New()
		_, err := docsync.Open(context.Background(), docsync.Config{}, store, store.NewStream())
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("targets survive reopening", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.ProviderParams = map[string]any{"storage_path": t.TempDir()}
		store := memory.New()
		_, err := store.Write(ctx, model.SetMutation(testutil.Key("users/1"), map[string]any{"name": "a"}))
		require.NoError(t, err)

		client := openClient(t, cfg, store)
		td, err := client.Listen(ctx, model.Target{Path: "users"})
		require.NoError(t, err)
		waitFor(t, func() bool { return client.SnapshotVersion() == 1 })
		require.NoError(t, client.Close(ctx))

		client = openClient(t, cfg, store, docsync.WithNetworkDisabled())
		defer client.Close(ctx)
		targets, err := client.Targets(ctx)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, td.TargetID, targets[0].TargetID)
		assert.Equal(t, memory.ResumeToken(1), targets[0].ResumeToken)
		assert.Equal(t, model.SnapshotVersion(1), client.SnapshotVersion())
		assert.Equal(t, testutil.Keys("users/1"), client.RemoteKeys(td.TargetID))
		doc, err := client.Document(testutil.Key("users/1"))
		require.NoError(t, err)
		assert.Equal(t, "a", doc.GetString("name"))
	})
}

func TestClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.New()
	_, err := store.Write(ctx, model.SetMutation(testutil.Key("counters/1"), map[string]any{"count": 0}))
	require.NoError(t, err)
	client := openClient(t, testConfig(t), store)
	defer client.Close(context.Background())

	changes := make(chan localstore.Change, 100)
	go client.ChangeStream(ctx, func(ctx context.Context, change localstore.Change) error {
		changes <- change
		return nil
	})
	time.Sleep(100 * time.Millisecond)

	td, err := client.Listen(ctx, model.Target{Path: "counters"})
	require.NoError(t, err)
	assert.Equal(t, model.PurposeListen, td.Purpose)

	t.Run("listen", func(t *testing.T) {
		waitFor(t, func() bool { return client.RemoteKeys(td.TargetID).Contains(testutil.Key("counters/1")) })
		assert.Equal(t, remote.Online, client.OnlineState())
		again, err := client.Listen(ctx, model.Target{Path: "counters"})
		require.NoError(t, err)
		assert.Equal(t, td.TargetID, again.TargetID)
		select {
		case change := <-changes:
			assert.Equal(t, testutil.Key("counters/1"), change.Key)
			assert.Nil(t, change.Before)
		case <-time.After(5 * time.Second):
			t.Fatal("no change received")
		}
	})
	t.Run("transactions", func(t *testing.T) {
		count, err := docsync.RunTransaction(ctx, client, func(ctx context.Context, tx *txn.Transaction) (int, error) {
			doc, err := tx.Get(ctx, testutil.Key("counters/1"))
			if err != nil {
				return 0, err
			}
			next := doc.GetInt("count") + 1
			return next, tx.Update(doc.Key(), map[string]any{"count": next})
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		waitFor(t, func() bool {
			doc, err := client.Document(testutil.Key("counters/1"))
			return err == nil && doc.GetInt("count") == 1
		})
		select {
		case change := <-changes:
			require.NotNil(t, change.Before)
			require.Len(t, change.Diff, 1)
			assert.Equal(t, "count", change.Diff[0].Path)
		case <-time.After(5 * time.Second):
			t.Fatal("no change received")
		}

		err = client.RunTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) error {
			return tx.Update(testutil.Key("counters/2"), map[string]any{"count": 1})
		}, txn.WithMaxAttempts(1))
		assert.Equal(t, errors.NotFound, errors.CodeOf(err))
	})
	t.Run("limbo resolution", func(t *testing.T) {
		limbo, err := client.ResolveLimbo(ctx, testutil.Key("counters/9"))
		require.NoError(t, err)
		assert.Equal(t, model.PurposeLimboResolution, limbo.Purpose)
		assert.Equal(t, int32(1), int32(limbo.TargetID)%2)
		waitFor(t, func() bool {
			targets, err := client.Targets(ctx)
			return err == nil && len(targets) == 1 && targets[0].TargetID == td.TargetID
		})
		doc, err := client.Document(testutil.Key("counters/9"))
		require.NoError(t, err)
		assert.False(t, doc.Exists())
		_, err = client.ResolveLimbo(ctx, "counters")
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("rejected listen", func(t *testing.T) {
		bad, err := client.Listen(ctx, model.Target{Path: "counters", Filters: []string{"count >"}})
		require.NoError(t, err)
		waitFor(t, func() bool { return client.TargetError(bad.TargetID) != nil })
		targets, err := client.Targets(ctx)
		require.NoError(t, err)
		assert.Len(t, targets, 1)
	})
	t.Run("network", func(t *testing.T) {
		require.NoError(t, client.DisableNetwork(ctx))
		waitFor(t, func() bool { return client.OnlineState() == remote.Offline })
		_, err := store.Write(ctx, model.SetMutation(testutil.Key("counters/3"), map[string]any{"count": 3}))
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		assert.False(t, client.RemoteKeys(td.TargetID).Contains(testutil.Key("counters/3")))

		require.NoError(t, client.EnableNetwork(ctx))
		waitFor(t, func() bool { return client.RemoteKeys(td.TargetID).Contains(testutil.Key("counters/3")) })
		assert.Equal(t, remote.Online, client.OnlineState())
	})
	t.Run("stop listening", func(t *testing.T) {
		require.NoError(t, client.StopListening(ctx, td.TargetID))
		targets, err := client.Targets(ctx)
		require.NoError(t, err)
		assert.Empty(t, targets)
		assert.Equal(t, 0, client.RemoteKeys(td.TargetID).Len())
	})
}
