package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autom8ter/docsync"
	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/transport/rest"
	"github.com/autom8ter/docsync/transport/socket"
)

func run(t *testing.T, args ...string) (string, error) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReplay(t *testing.T) {
	t.Run("fixture", func(t *testing.T) {
		out, err := run(t, "replay", "testdata/replay.yaml")
		require.NoError(t, err)
		assert.Contains(t, out, `"snapshotVersion": 5`)
		assert.Contains(t, out, `"users/1"`)
		assert.Contains(t, out, `"users/3"`)
		assert.NotContains(t, out, `"targetChanges": {}`)
		assert.Contains(t, out, "# existence filter mismatch on target 2: local 1, remote 3")
		assert.Contains(t, out, `"snapshotVersion": 6`)
	})
	t.Run("template", func(t *testing.T) {
		out, err := run(t, "replay", "testdata/replay.yaml", "--template", `v{{ .SnapshotVersion }} mismatches={{ len .TargetMismatches }}`)
		require.NoError(t, err)
		assert.Contains(t, out, "v5 mismatches=0\n")
		assert.Contains(t, out, "v6 mismatches=1\n")
	})
	t.Run("invalid fixture", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("frames:\n  - kind: bogus\n"), 0644))
		_, err := run(t, "replay", path)
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("rejected target", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rejected.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"targets": [{"targetId": 2, "target": {"path": "users"}}],
			"frames": [{"kind": "target", "target": {"type": "removed", "targetIds": [2], "cause": {"code": 403, "messages": ["denied"]}}}]
		}`), 0644))
		out, err := run(t, "replay", path)
		require.NoError(t, err)
		assert.Contains(t, out, "# target 2 rejected:")
	})
}

func TestAggregate(t *testing.T) {
	out, err := run(t, "aggregate", "testdata/books.yaml",
		"--where", "published < 1984",
		"--group", "genre",
		"--acc", "avg:rating:avgRating",
		"--having", "avgRating > 4.3",
		"--sort", "-avgRating",
	)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	expected := []struct {
		genre  string
		rating float64
	}{
		{"Fantasy", 4.7},
		{"Romance", 4.5},
		{"Science Fiction", 4.4},
	}
	for i, line := range lines {
		var row map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &row))
		assert.Equal(t, expected[i].genre, row["genre"])
		assert.InDelta(t, expected[i].rating, row["avgRating"], 0.001)
	}

	t.Run("count and limit", func(t *testing.T) {
		out, err := run(t, "aggregate", "testdata/books.yaml", "--group", "genre", "--acc", "count", "--sort", "-count", "--limit", "1",
			"--template", `{{ range . }}{{ .genre }}={{ .count }}{{ end }}`)
		require.NoError(t, err)
		assert.Equal(t, "Dystopian=2\n", out)
	})
	t.Run("yaml output", func(t *testing.T) {
		out, err := run(t, "aggregate", "testdata/books.yaml", "--group", "genre", "--acc", "count", "--sort", "-count", "--limit", "1",
			"--template", `{{ toYaml . }}`)
		require.NoError(t, err)
		assert.Contains(t, out, "- count: 2\n  genre: Dystopian\n")
	})
	t.Run("invalid accumulator", func(t *testing.T) {
		_, err := run(t, "aggregate", "testdata/books.yaml", "--acc", "median:rating")
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
}

func TestServeAndIncrement(t *testing.T) {
	ctx := context.Background()
	logger := logging.FromZap(zaptest.NewLogger(t))
	store := memory.New(memory.WithLogger(logger))
	n, err := seed(ctx, store, "testdata/seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	server := socket.NewServer(store, logger)
	ts := httptest.NewServer(newRouter(store, server, logger))
	defer ts.Close()
	defer server.Close()

	cfg, err := loadConfig("", "debug")
	require.NoError(t, err)
	client, err := docsync.Open(ctx, cfg, rest.NewClient(ts.URL, ts.Client()), socket.NewStream(ts.URL, nil, logger),
		docsync.WithLogger(logger),
		docsync.WithNetworkDisabled(),
	)
	require.NoError(t, err)
	defer client.Close(ctx)

	result, err := increment(ctx, client, model.MustDocumentKey("counters/visits"), "count", 1)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result["value"])
	assert.Equal(t, 1, result["attempts"])

	result, err = increment(ctx, client, model.MustDocumentKey("counters/new"), "count", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, result["value"])

	docs, err := store.Lookup(ctx, []model.DocumentKey{model.MustDocumentKey("counters/visits"), model.MustDocumentKey("counters/new")})
	require.NoError(t, err)
	assert.Equal(t, 42, docs[0].GetInt("count"))
	assert.Equal(t, 2.5, docs[1].GetFloat("count"))

	var out bytes.Buffer
	require.NoError(t, render(&out, defaultIncrTemplate, result))
	assert.Equal(t, "counters/new count=2.5 (attempts: 1)\n", out.String())
}
