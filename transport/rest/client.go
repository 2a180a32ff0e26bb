package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
)

// Client is a txn.Datastore backed by a server running Handler
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient returns a client for the server at serverURL
func NewClient(serverURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		http:      client,
	}
}

// Lookup implements txn.Datastore
func (c *Client) Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.Document, error) {
	var resp LookupResponse
	if err := c.post(ctx, LookupPath, &LookupRequest{Keys: keys}, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Commit implements txn.Datastore
func (c *Client) Commit(ctx context.Context, reads map[model.DocumentKey]model.SnapshotVersion, writes []model.Mutation) error {
	return c.post(ctx, CommitPath, &CommitRequest{Reads: reads, Writes: writes}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	bits, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(bits))
	if err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.CodeOf(ctx.Err()), "request to %s", path)
		}
		return errors.Wrap(err, errors.Unavailable, "request to %s failed", path)
	}
	defer resp.Body.Close()
	respBits, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.Unavailable, "failed to read response from %s", path)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBits)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBits, out); err != nil {
		return errors.Wrap(err, errors.Internal, "failed to decode response from %s", path)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var e errors.Error
	if err := json.Unmarshal(body, &e); err != nil || e.Code == 0 {
		return errors.New(errors.Code(status), "%s", strings.TrimSpace(string(body)))
	}
	return &e
}
