package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/pkg/s3"
	"github.com/benmeehan/display-ota/pkg/transport"
)

// ArtifactSource opens an artifact for streaming. size is -1 when unknown.
type ArtifactSource interface {
	Open(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// ClientFactory builds HTTP clients bound to the device trust anchor.
type ClientFactory interface {
	NewClient(target string, options ...transport.ClientOption) *http.Client
}

// HTTPSource downloads artifacts over HTTP(S).
type HTTPSource struct {
	Clients ClientFactory
}

func (s *HTTPSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	client := s.Clients.NewClient(url, transport.ForDownload())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid artifact url %q: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, errs.Network("GET "+url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, errs.Network("GET "+url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, resp.ContentLength, nil
}

// ObjectSource reads s3://bucket/key artifacts from object storage.
type ObjectSource struct {
	Storage s3.ObjectStorageClient
}

func (s *ObjectSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	bucket, object, err := s3.ParseURL(url)
	if err != nil {
		return nil, 0, err
	}
	body, size, err := s.Storage.OpenObject(ctx, bucket, object)
	if err != nil {
		return nil, 0, errs.Network("get object", err)
	}
	return body, size, nil
}

// Sources dispatches on the URL scheme.
type Sources struct {
	HTTP   ArtifactSource
	Object ArtifactSource // Optional; s3:// URLs fail without it
}

func (s Sources) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(url, "s3://") {
		if s.Object == nil {
			return nil, 0, fmt.Errorf("no object storage configured for %s", url)
		}
		return s.Object.Open(ctx, url)
	}
	if s.HTTP == nil {
		return nil, 0, fmt.Errorf("no HTTP source configured for %s", url)
	}
	return s.HTTP.Open(ctx, url)
}
