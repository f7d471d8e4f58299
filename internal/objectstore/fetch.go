package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"vodpipe/internal/errs"
)

// PresignedReader is implemented by gateways that can resolve their own
// presigned download URLs without a network round trip.
type PresignedReader interface {
	ReadPresigned(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

// DownloadPresigned fetches the object behind a presigned download URL.
// Bodies larger than limit are rejected when limit is positive.
func DownloadPresigned(ctx context.Context, client *http.Client, rawURL string, limit int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "download object")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.New(errs.NotFound, "object not found")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errs.New(errs.Transient, fmt.Sprintf("download object: unexpected status %d", resp.StatusCode))
	}

	return readLimited(resp.Body, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "read object body")
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errs.New(errs.Transient, fmt.Sprintf("object exceeds %d bytes", limit))
	}
	return data, nil
}
