// Package rest serves a txn.Datastore over http and implements txn.Datastore against such a server
package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/txn"
	"github.com/autom8ter/docsync/util"
)

const (
	LookupPath = "/v1/documents:lookup"
	CommitPath = "/v1/documents:commit"
)

// LookupRequest is the body of a lookup
type LookupRequest struct {
	Keys []model.DocumentKey `json:"keys" validate:"required,min=1"`
}

// LookupResponse holds one document per requested key, in request order
type LookupResponse struct {
	Documents []*model.Document `json:"documents"`
}

// CommitRequest is the body of a commit
type CommitRequest struct {
	Reads  map[model.DocumentKey]model.SnapshotVersion `json:"reads,omitempty"`
	Writes []model.Mutation                            `json:"writes,omitempty" validate:"dive"`
}

// Handler returns an http handler serving the datastore
// POST /v1/documents:lookup (LookupRequest in request body)
// POST /v1/documents:commit (CommitRequest in request body)
func Handler(datastore txn.Datastore, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	router := mux.NewRouter()
	router.HandleFunc(LookupPath, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req LookupRequest
		if err := decode(r, &req); err != nil {
			httpError(w, err)
			return
		}
		docs, err := datastore.Lookup(r.Context(), req.Keys)
		if err != nil {
			logger.Error(r.Context(), "lookup failed", err, map[string]any{
				"request.path": r.URL.Path,
				"keys":         len(req.Keys),
				"duration":     float64(time.Since(start).Microseconds()) / float64(1000),
			})
			httpError(w, err)
			return
		}
		logger.Debug(r.Context(), "lookup executed", map[string]any{
			"request.path": r.URL.Path,
			"keys":         len(req.Keys),
			"duration":     float64(time.Since(start).Microseconds()) / float64(1000),
		})
		writeJSON(w, &LookupResponse{Documents: docs})
	}).Methods(http.MethodPost)

	router.HandleFunc(CommitPath, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req CommitRequest
		if err := decode(r, &req); err != nil {
			httpError(w, err)
			return
		}
		if err := datastore.Commit(r.Context(), req.Reads, req.Writes); err != nil {
			logger.Warn(r.Context(), "commit rejected", map[string]any{
				"request.path": r.URL.Path,
				"error":        err.Error(),
				"duration":     float64(time.Since(start).Microseconds()) / float64(1000),
			})
			httpError(w, err)
			return
		}
		logger.Debug(r.Context(), "commit executed", map[string]any{
			"request.path": r.URL.Path,
			"reads":        len(req.Reads),
			"writes":       len(req.Writes),
			"duration":     float64(time.Since(start).Microseconds()) / float64(1000),
		})
		writeJSON(w, map[string]any{})
	}).Methods(http.MethodPost)
	return router
}

func decode(r *http.Request, value any) error {
	if err := json.NewDecoder(r.Body).Decode(value); err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "failed to decode request body")
	}
	if err := util.ValidateStruct(value); err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "invalid request")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

// httpError writes the error as json with its code as the status
func httpError(w http.ResponseWriter, err error) {
	status := errors.CodeOf(err)
	if status < 400 || status >= 600 {
		status = errors.Internal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(status))
	_, _ = w.Write([]byte(err.Error()))
}
