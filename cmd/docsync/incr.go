package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/autom8ter/docsync"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/transport/rest"
	"github.com/autom8ter/docsync/transport/socket"
	"github.com/autom8ter/docsync/txn"
)

const defaultIncrTemplate = `{{ .key }} {{ .field }}={{ .value }} (attempts: {{ .attempts }})`

// increment adds by to the numeric field of the document at key in a transaction. A missing document
// is created.
func increment(ctx context.Context, client *docsync.Client, key model.DocumentKey, field string, by float64) (map[string]any, error) {
	attempts := 0
	value, err := docsync.RunTransaction(ctx, client, func(ctx context.Context, tx *txn.Transaction) (float64, error) {
		attempts = tx.Attempt()
		doc, err := tx.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if !doc.Exists() {
			return by, tx.Set(key, map[string]any{field: by})
		}
		next := doc.GetFloat(field) + by
		return next, tx.Update(key, map[string]any{field: next})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":      string(key),
		"field":    field,
		"value":    value,
		"attempts": attempts,
	}, nil
}

func incrCmd() *cobra.Command {
	var (
		serverURL  string
		configPath string
		path       string
		field      string
		by         float64
		text       string
	)
	cmd := &cobra.Command{
		Use:   "incr",
		Short: "increment a numeric document field in a transaction against a docsync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextWithTags(cmd.Context(), "incr")
			key, err := model.NewDocumentKey(path)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath, "")
			if err != nil {
				return err
			}
			httpClient := &http.Client{Timeout: 30 * time.Second}
			client, err := docsync.Open(ctx, cfg,
				rest.NewClient(serverURL, httpClient),
				socket.NewStream(serverURL, nil, nil),
				docsync.WithNetworkDisabled(),
			)
			if err != nil {
				return err
			}
			defer client.Close(ctx)
			result, err := increment(ctx, client, key, field, by)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), text, result)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "docsync server url")
	cmd.Flags().StringVar(&configPath, "config", "", "client config file (yaml or json)")
	cmd.Flags().StringVar(&path, "key", "", "document path, ie counters/visits")
	cmd.Flags().StringVar(&field, "field", "count", "field to increment")
	cmd.Flags().Float64Var(&by, "by", 1, "amount to add")
	cmd.Flags().StringVar(&text, "template", defaultIncrTemplate, "output template (sprig functions available)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
