package driveapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ahosio/cloudbackup/internal/provider"
)

// fileFields restricts file.get responses to the fields this system
// consumes.
const fileFields = "id,name,mimeType,size,modifiedTime,md5Checksum,parents,trashed,version"

// GetFileMetadata fetches a single file's current metadata.
func (c *Client) GetFileMetadata(ctx context.Context, fileID string) (provider.File, error) {
	path := fmt.Sprintf("/files/%s?fields=%s", url.PathEscape(fileID), url.QueryEscape(fileFields))

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return provider.File{}, err
	}
	defer resp.Body.Close()

	var fr fileResource
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return provider.File{}, fmt.Errorf("driveapi: decoding file response: %w", err)
	}

	return fr.toFile(c.logger), nil
}
