package driveapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ahosio/cloudbackup/internal/provider"
)

// changesPageSize is the "pageSize" value for changes.list requests —
// the Drive API v3 maximum.
const changesPageSize = 1000

// changesFields restricts the changes.list response to the fields this
// system consumes, avoiding the API's default (much larger) payload.
const changesFields = "nextPageToken,newStartPageToken," +
	"changes(fileId,removed,time,file(id,name,mimeType,size,modifiedTime,md5Checksum,parents,trashed,version))"

// GetStartPageToken fetches the cursor marking "now" in the change
// stream, used as the terminal token for an initial sync.
func (c *Client) GetStartPageToken(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/changes/startPageToken", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var spt startPageTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&spt); err != nil {
		return "", fmt.Errorf("driveapi: decoding startPageToken response: %w", err)
	}

	return spt.StartPageToken, nil
}

// ListChanges fetches one page of changes starting at pageToken.
// pageSize is ignored in favor of changesPageSize — the Drive API
// caps it regardless, and the engine does not need per-call control.
func (c *Client) ListChanges(ctx context.Context, pageToken string, _ int) (provider.ChangeBatch, error) {
	path := fmt.Sprintf("/changes?pageToken=%s&pageSize=%d&fields=%s",
		url.QueryEscape(pageToken), changesPageSize, url.QueryEscape(changesFields))

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return provider.ChangeBatch{}, err
	}
	defer resp.Body.Close()

	var clr changesListResponse
	if err := json.NewDecoder(resp.Body).Decode(&clr); err != nil {
		return provider.ChangeBatch{}, fmt.Errorf("driveapi: decoding changes response: %w", err)
	}

	changes := make([]provider.Change, 0, len(clr.Changes))
	for _, cr := range clr.Changes {
		changes = append(changes, cr.toChange(c.logger))
	}

	return provider.ChangeBatch{
		Changes:           changes,
		NextPageToken:     clr.NextPageToken,
		NewStartPageToken: clr.NewStartPageToken,
	}, nil
}

// IterAllChanges calls yield once per page starting at startToken,
// stopping when the API reports no more pages (a page with
// NewStartPageToken set) or yield returns false. It returns the final
// resume token.
func (c *Client) IterAllChanges(ctx context.Context, startToken string, yield func(provider.ChangeBatch) bool) (string, error) {
	token := startToken
	page := 1

	for {
		batch, err := c.ListChanges(ctx, token, 0)
		if err != nil {
			return "", err
		}

		c.logger.Debug("fetched changes page",
			slog.Int("page", page), slog.Int("count", len(batch.Changes)),
			slog.Bool("has_next", batch.NextPageToken != ""), slog.Bool("has_new_start", batch.NewStartPageToken != ""))

		if !yield(batch) {
			return token, nil
		}

		if batch.NewStartPageToken != "" {
			return batch.NewStartPageToken, nil
		}

		if batch.NextPageToken == "" {
			c.logger.Warn("changes response has neither nextPageToken nor newStartPageToken", slog.Int("page", page))
			return token, nil
		}

		token = batch.NextPageToken
		page++
	}
}
