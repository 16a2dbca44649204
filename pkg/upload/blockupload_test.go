package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBlocks(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		lengths []int64
	}{
		{"empty", 0, nil},
		{"one byte", 1, []int64{1}},
		{"exact block", BlockSize, []int64{BlockSize}},
		{"block plus one", BlockSize + 1, []int64{BlockSize, 1}},
		{"250 MiB", 250 * 1024 * 1024, []int64{BlockSize, BlockSize, 50 * 1024 * 1024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := PlanBlocks(tt.size)
			require.Len(t, blocks, len(tt.lengths))

			var sum int64
			ids := map[string]bool{}
			for i, b := range blocks {
				assert.Equal(t, tt.lengths[i], b.Length)
				assert.Equal(t, int64(i)*BlockSize, b.Offset)
				sum += b.Length

				// Ids are distinct, base64, 128-bit.
				raw, err := base64.StdEncoding.DecodeString(b.ID)
				require.NoError(t, err)
				assert.Len(t, raw, 16)
				assert.False(t, ids[b.ID])
				ids[b.ID] = true
			}
			assert.Equal(t, tt.size, sum)
		})
	}
}

func TestBlockListXMLOrder(t *testing.T) {
	blocks := []*Block{{ID: "aaa"}, {ID: "bbb"}, {ID: "ccc"}}
	doc, err := BlockListXML(blocks)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc, `<?xml version="1.0" encoding="utf-8"?>`))
	assert.Contains(t, doc, "<BlockList><Latest>aaa</Latest><Latest>bbb</Latest><Latest>ccc</Latest></BlockList>")
}

// uploadFixture writes a file of size bytes with positional content.
func uploadFixture(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.tar.gz")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestUploadCommitsBlocks(t *testing.T) {
	var mu sync.Mutex
	received := map[string][]byte{}
	var blockList string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, storageVersion, r.Header.Get("x-ms-version"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		switch r.URL.Query().Get("comp") {
		case "block":
			id, err := url.QueryUnescape(r.URL.Query().Get("blockid"))
			require.NoError(t, err)
			require.Equal(t, int64(len(body)), r.ContentLength)
			mu.Lock()
			received[id] = body
			mu.Unlock()
		case "blocklist":
			mu.Lock()
			blockList = string(body)
			mu.Unlock()
		default:
			t.Errorf("unexpected comp %q", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	path := uploadFixture(t, 4096)
	uploader, err := NewUploader(server.Client(), server.URL+"/blob?sig=x")
	require.NoError(t, err)

	require.NoError(t, uploader.Upload(context.Background(), path, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	for _, body := range received {
		assert.Len(t, body, 4096)
	}
	assert.Contains(t, blockList, "<BlockList>")
	assert.Equal(t, 1, strings.Count(blockList, "<Latest>"))
}

func TestUploadBoundedParallelism(t *testing.T) {
	var inFlight, peak atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("comp") == "block" {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
		}
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	// Shrink blocks by uploading many tiny "blocks" through the plan
	// path is impractical at 100 MiB, so drive uploadBlock directly.
	path := uploadFixture(t, 64)
	uploader, err := NewUploader(server.Client(), server.URL+"/blob?sig=x")
	require.NoError(t, err)

	blocks := make([]*Block, 40)
	for i := range blocks {
		blocks[i] = &Block{ID: fmt.Sprintf("id-%02d", i), Offset: 0, Length: 64}
	}

	ctx := context.Background()
	errs := make(chan error, len(blocks))
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	for _, b := range blocks {
		wg.Add(1)
		sem <- struct{}{}
		go func(b *Block) {
			defer wg.Done()
			defer func() { <-sem }()
			errs <- uploader.uploadBlock(ctx, path, b)
		}(b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(maxInFlight))
}

func TestUploadFailFast(t *testing.T) {
	var blockPuts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if r.URL.Query().Get("comp") == "blocklist" {
			t.Error("block list committed after block failure")
		}
		blockPuts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	path := uploadFixture(t, 128)
	uploader, err := NewUploader(server.Client(), server.URL+"/blob?sig=x")
	require.NoError(t, err)

	err = uploader.Upload(context.Background(), path, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestUploadMissingFile(t *testing.T) {
	uploader, err := NewUploader(nil, "http://unreachable.invalid/blob?sig=x")
	require.NoError(t, err)

	err = uploader.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUploadProgressReachesTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	path := uploadFixture(t, 1024)
	uploader, err := NewUploader(server.Client(), server.URL+"/blob?sig=x")
	require.NoError(t, err)

	var mu sync.Mutex
	var last int64
	progress := func(uploaded, total int64) {
		mu.Lock()
		last = uploaded
		assert.Equal(t, int64(1024), total)
		mu.Unlock()
	}

	require.NoError(t, uploader.Upload(context.Background(), path, progress))
	mu.Lock()
	assert.Equal(t, int64(1024), last)
	mu.Unlock()
}

func TestNewUploaderRequiresURL(t *testing.T) {
	_, err := NewUploader(nil, "")
	assert.True(t, errdefs.IsInvalidArgument(err))
}
