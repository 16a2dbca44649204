package upload

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/metrics"
)

const (
	// BlockSize is the fixed upper bound on one block
	BlockSize = 100 * 1024 * 1024

	// maxInFlight caps concurrent block transfers
	maxInFlight = 10

	// storageVersion is sent with every blob request
	storageVersion = "2016-05-31"
)

// Block is one planned slice of the file.
type Block struct {
	// ID is the base64 encoding of a random 128-bit value
	ID     string
	Offset int64
	Length int64

	uploaded atomic.Int64
}

// Progress receives the running total of uploaded bytes.
type Progress func(uploadedBytes, totalBytes int64)

// Uploader publishes one file to a blob URL.
type Uploader struct {
	client *http.Client
	url    string
}

// NewUploader targets a writable blob URL (including any access
// token query string). A nil client uses http.DefaultClient.
func NewUploader(client *http.Client, blobURL string) (*Uploader, error) {
	if blobURL == "" {
		return nil, fmt.Errorf("blob URL is required: %w", errdefs.ErrInvalidArgument)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{client: client, url: blobURL}, nil
}

// PlanBlocks slices a file of size bytes into blocks of at most
// BlockSize, each with a fresh random id.
func PlanBlocks(size int64) []*Block {
	count := int((size + BlockSize - 1) / BlockSize)
	blocks := make([]*Block, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * BlockSize
		length := size - offset
		if length > BlockSize {
			length = BlockSize
		}
		id := uuid.New()
		blocks = append(blocks, &Block{
			ID:     base64.StdEncoding.EncodeToString(id[:]),
			Offset: offset,
			Length: length,
		})
	}
	return blocks
}

// countingReader feeds a block's section of the file and accumulates
// bytes sent for progress aggregation.
type countingReader struct {
	inner io.Reader
	block *Block
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.block.uploaded.Add(int64(n))
		metrics.UploadBytes.Add(float64(n))
	}
	return n, err
}

// Upload publishes path: blocks concurrently, then the block list.
// Any block failing with a non-2xx status aborts the remaining
// transfers; the partial upload is abandoned for the server to
// collect.
func (u *Uploader) Upload(ctx context.Context, path string, progress Progress) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("upload %s: %w", path, errdefs.ErrNotFound)
		}
		return fmt.Errorf("upload %s: %v: %w", path, err, errdefs.ErrUnavailable)
	}

	blocks := PlanBlocks(fi.Size())
	log.WithComponent("upload").Debug().
		Int("blocks", len(blocks)).
		Int64("bytes", fi.Size()).
		Msg("upload planned")

	done := make(chan struct{})
	if progress != nil {
		go u.aggregateProgress(done, blocks, fi.Size(), progress)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxInFlight)
	for _, block := range blocks {
		group.Go(func() error {
			return u.uploadBlock(groupCtx, path, block)
		})
	}
	err = group.Wait()
	if progress != nil {
		close(done)
	}
	if err != nil {
		return err
	}
	if progress != nil {
		progress(fi.Size(), fi.Size())
	}

	return u.commitBlockList(ctx, blocks)
}

// aggregateProgress periodically sums uploaded bytes across all
// blocks into a single figure.
func (u *Uploader) aggregateProgress(done <-chan struct{}, blocks []*Block, total int64, progress Progress) {
	tick := newProgressTicker()
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			var sum int64
			for _, b := range blocks {
				sum += b.uploaded.Load()
			}
			progress(sum, total)
		}
	}
}

// uploadBlock PUTs one block, reading from its own file handle seeked
// to the block offset.
func (u *Uploader) uploadBlock(ctx context.Context, path string, block *Block) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", path, err, errdefs.ErrUnavailable)
	}
	defer f.Close()

	if _, err := f.Seek(block.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek block at %d: %v: %w", block.Offset, err, errdefs.ErrUnavailable)
	}

	body := &countingReader{inner: io.LimitReader(f, block.Length), block: block}
	url := fmt.Sprintf("%s&comp=block&blockid=%s", u.url, urlEscapeBase64(block.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("build block request: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	req.ContentLength = block.Length
	req.Header.Set("x-ms-version", storageVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("put block at %d: %v: %w", block.Offset, err, errdefs.ErrUnavailable)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put block at %d: status %d: %w", block.Offset, resp.StatusCode, errdefs.ErrUnavailable)
	}
	metrics.UploadBlocks.Inc()
	return nil
}

// blockList is the commit document enumerating uploaded blocks.
type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// BlockListXML renders the commit document for blocks in their
// original order.
func BlockListXML(blocks []*Block) (string, error) {
	list := blockList{Latest: make([]string, 0, len(blocks))}
	for _, b := range blocks {
		list.Latest = append(list.Latest, b.ID)
	}
	body, err := xml.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode block list: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return `<?xml version="1.0" encoding="utf-8"?>` + string(body), nil
}

func (u *Uploader) commitBlockList(ctx context.Context, blocks []*Block) error {
	doc, err := BlockListXML(blocks)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.url+"&comp=blocklist", strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("build block list request: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	req.Header.Set("x-ms-version", storageVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("put block list: %v: %w", err, errdefs.ErrUnavailable)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put block list: status %d: %w", resp.StatusCode, errdefs.ErrUnavailable)
	}
	return nil
}
