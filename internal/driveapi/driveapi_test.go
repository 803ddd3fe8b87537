package driveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahosio/cloudbackup/internal/provider"
)

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }

func noopSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestClient(t *testing.T, url string, token TokenSource) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, token, slog.Default())
	c.sleepFunc = noopSleep

	return c
}

func TestGetStartPageToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/changes/startPageToken", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(startPageTokenResponse{StartPageToken: "42"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	token, err := client.GetStartPageToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "42", token)
}

func TestListChangesAndIterAllChanges(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		switch r.URL.Query().Get("pageToken") {
		case "1":
			_ = json.NewEncoder(w).Encode(changesListResponse{
				Changes:       []changeResource{{FileID: "a", File: &fileResource{ID: "a", Name: "a.txt", MimeType: "text/plain"}}},
				NextPageToken: "2",
			})
		case "2":
			_ = json.NewEncoder(w).Encode(changesListResponse{
				Changes:           []changeResource{{FileID: "b", Removed: true}},
				NewStartPageToken: "final",
			})
		default:
			t.Fatalf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	var allChanges []provider.Change

	finalToken, err := client.IterAllChanges(context.Background(), "1", func(batch provider.ChangeBatch) bool {
		allChanges = append(allChanges, batch.Changes...)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, "final", finalToken)
	require.Equal(t, 2, calls)
	require.Len(t, allChanges, 2)
	require.Equal(t, "a", allChanges[0].FileID)
	require.True(t, allChanges[1].Removed)
}

func TestGetFileMetadataFolder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fileResource{
			ID: "f1", Name: "Docs", MimeType: folderMimeType,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	f, err := client.GetFileMetadata(context.Background(), "f1")
	require.NoError(t, err)
	require.True(t, f.IsFolder())
	require.Equal(t, provider.FolderMimeType, f.MimeType)
}

func TestDownloadToStreamShortcutNotDownloadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fileResource{
			ID: "s1", Name: "link", MimeType: "application/vnd.google-apps.shortcut",
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	_, err := client.DownloadToStream(context.Background(), "s1", nil)
	require.True(t, errors.Is(err, provider.ErrNotDownloadable))
}

func TestDownloadToStreamExportsNativeDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files/d1" && !strings.Contains(r.URL.RawQuery, "alt=media"):
			_ = json.NewEncoder(w).Encode(fileResource{
				ID: "d1", Name: "doc", MimeType: "application/vnd.google-apps.document",
			})
		case r.URL.Path == "/files/d1/export":
			require.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				r.URL.Query().Get("mimeType"))
			_, _ = w.Write([]byte("exported bytes"))
		default:
			t.Fatalf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	var buf bytes.Buffer

	n, err := client.DownloadToStream(context.Background(), "d1", &buf)
	require.NoError(t, err)
	require.EqualValues(t, len("exported bytes"), n)
	require.Equal(t, "exported bytes", buf.String())
}

func TestFileResourceExportExtension(t *testing.T) {
	fr := fileResource{ID: "d1", Name: "doc", MimeType: "application/vnd.google-apps.spreadsheet"}
	f := fr.toFile(slog.Default())
	require.Equal(t, ".xlsx", f.ExportExtension)

	fr = fileResource{ID: "p1", Name: "plain", MimeType: "text/plain"}
	f = fr.toFile(slog.Default())
	require.Empty(t, f.ExportExtension)
}

func TestDoRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	resp, err := client.Do(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 3, attempts)
}

func TestDoClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticToken("test-token"))

	_, err := client.Do(context.Background(), http.MethodGet, "/missing", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}
