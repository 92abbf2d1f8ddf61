// Package http provides a client and server implementation of the
// remote transport over HTTP with JSON bodies.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/zonekit/zonekit/cursor"
	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/record"
	"github.com/zonekit/zonekit/transport"
)

// Client implements transport.Remote against a zone server.
type Client struct {
	client  *http.Client
	baseURL string // e.g. "http://remote-server.com/zones/notes"
}

var _ transport.Remote = (*Client)(nil)

// NewClient creates a transport client. If a custom http.Client is
// not provided, http.DefaultClient is used; request timeouts belong
// to the supplied client, not to the sync engine.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{client: client, baseURL: baseURL}
}

// ProvisionZone creates the zone on the server. Idempotent.
func (c *Client) ProvisionZone(ctx context.Context) error {
	return c.do(ctx, syncErrors.OpProvision, http.MethodPost, "/zone", nil, nil)
}

// DeprovisionZone deletes the zone and everything in it.
func (c *Client) DeprovisionZone(ctx context.Context) error {
	return c.do(ctx, syncErrors.OpProvision, http.MethodDelete, "/zone", nil, nil)
}

// WriteRecords submits saves and deletes as one atomic write.
func (c *Client) WriteRecords(ctx context.Context, toSave []record.RemoteRecord, toDelete []string) (*transport.WriteResult, error) {
	req := WriteRequest{ToDelete: toDelete}
	for i := range toSave {
		req.ToSave = append(req.ToSave, *toJSONRecord(&toSave[i]))
	}

	var resp WriteResponse
	if err := c.do(ctx, syncErrors.OpPush, http.MethodPost, "/zone/records", req, &resp); err != nil {
		return nil, err
	}

	result := &transport.WriteResult{}
	for i := range resp.Saved {
		result.Saved = append(result.Saved, *fromJSONRecord(&resp.Saved[i]))
	}
	for _, jc := range resp.Conflicts {
		result.Conflicts = append(result.Conflicts, transport.Conflict{
			Server:   fromJSONRecord(jc.Server),
			Client:   fromJSONRecord(jc.Client),
			Ancestor: fromJSONRecord(jc.Ancestor),
		})
	}
	return result, nil
}

// FetchDeltaSince returns the change page after the given token.
func (c *Client) FetchDeltaSince(ctx context.Context, token []byte) (*transport.Delta, error) {
	req := DeltaRequest{}
	if len(token) > 0 {
		wc, err := cursor.MarshalWire(cursor.KindOpaque, token)
		if err != nil {
			return nil, syncErrors.NewTransportError(syncErrors.OpPull, err)
		}
		req.Cursor = wc
	}

	var resp DeltaResponse
	if err := c.do(ctx, syncErrors.OpPull, http.MethodPost, "/zone/changes", req, &resp); err != nil {
		return nil, err
	}

	nextToken, err := cursor.UnmarshalWire(&resp.Cursor)
	if err != nil {
		return nil, syncErrors.NewTransportError(syncErrors.OpPull, fmt.Errorf("invalid cursor in response: %w", err))
	}

	delta := &transport.Delta{
		DeletedRecordIDs: resp.DeletedRecordIDs,
		Cursor:           cursor.SyncCursor{MoreComing: resp.MoreComing, Token: nextToken},
	}
	for i := range resp.Records {
		delta.Records = append(delta.Records, *fromJSONRecord(&resp.Records[i]))
	}
	return delta, nil
}

func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return syncErrors.NewTransportError(op, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return syncErrors.NewTransportError(op, fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return syncErrors.NewTransportError(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}
