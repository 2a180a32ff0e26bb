package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autom8ter/docsync/backend/memory"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/transport/rest"
	"github.com/autom8ter/docsync/transport/socket"
)

// seedDocument is a document of a serve seed file
type seedDocument struct {
	Key    model.DocumentKey `json:"key" validate:"required"`
	Fields map[string]any    `json:"fields"`
}

// newRouter mounts the rest datastore and the websocket listen endpoint for the store
func newRouter(store *memory.Store, server *socket.Server, logger logging.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Handle(socket.ListenPath, server)
	router.PathPrefix("/v1/documents").Handler(rest.Handler(store, logger))
	return router
}

func seed(ctx context.Context, store *memory.Store, path string) (int, error) {
	var docs []seedDocument
	if _, err := readFile(path, &docs); err != nil {
		return 0, err
	}
	writes := make([]model.Mutation, 0, len(docs))
	for _, doc := range docs {
		writes = append(writes, model.SetMutation(doc.Key, doc.Fields))
	}
	if _, err := store.Write(ctx, writes...); err != nil {
		return 0, err
	}
	return len(writes), nil
}

func serveCmd() *cobra.Command {
	var (
		addr     string
		seedPath string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve an in memory document database with rest transactions and a websocket watch stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(contextWithTags(cmd.Context(), "serve"), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			store := memory.New(memory.WithLogger(logger))
			if seedPath != "" {
				n, err := seed(ctx, store, seedPath)
				if err != nil {
					return err
				}
				logger.Info(ctx, "seeded documents", map[string]any{"count": n, "version": int64(store.Version())})
			}
			server := socket.NewServer(store, logger)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           newRouter(store, server, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			egp, ctx := errgroup.WithContext(ctx)
			egp.Go(func() error {
				logger.Info(ctx, "starting server", map[string]any{"addr": addr})
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return errors.Wrap(err, errors.Unavailable, "server failed")
				}
				return nil
			})
			egp.Go(func() error {
				<-ctx.Done()
				logger.Info(ctx, "shutting down server", nil)
				server.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return egp.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&seedPath, "seed", "", "yaml or json file with a list of {key, fields} documents to write on startup")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
