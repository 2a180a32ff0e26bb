package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autom8ter/docsync"
	"github.com/autom8ter/docsync/localstore"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/transport/rest"
	"github.com/autom8ter/docsync/transport/socket"
)

const defaultListenTemplate = `{{ .Key }}@{{ .Version }} {{ if .After.Exists }}{{ toJson .After.Fields }}{{ else }}<deleted>{{ end }}`

func listenCmd() *cobra.Command {
	var (
		serverURL  string
		configPath string
		logLevel   string
		target     model.Target
		text       string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "listen to a document or collection on a docsync server and print every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(contextWithTags(cmd.Context(), "listen"), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			cfg, err := loadConfig(configPath, logLevel)
			if err != nil {
				return err
			}
			client, err := docsync.Open(ctx, cfg, rest.NewClient(serverURL, nil), socket.NewStream(serverURL, nil, nil))
			if err != nil {
				return err
			}
			defer client.Close(context.Background())
			out := cmd.OutOrStdout()
			errs := make(chan error, 1)
			go func() {
				errs <- client.ChangeStream(ctx, func(ctx context.Context, change localstore.Change) error {
					return render(out, text, change)
				})
			}()
			if _, err := client.Listen(ctx, target); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case err := <-errs:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "docsync server url")
	cmd.Flags().StringVar(&configPath, "config", "", "client config file (yaml or json)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "overrides the config's log level")
	cmd.Flags().StringVar(&target.Path, "path", "", "document or collection path")
	cmd.Flags().StringSliceVar(&target.Filters, "where", nil, "filter expression, ie 'age > 21' (repeatable)")
	cmd.Flags().IntVar(&target.Limit, "limit", 0, "maximum number of documents")
	cmd.Flags().StringVar(&text, "template", defaultListenTemplate, "template rendered for every change (sprig functions available)")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}
