package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAzureDomain is the public blob storage domain.
const DefaultAzureDomain = "blob.core.windows.net"

// AzureConfig configures an AzureStore.
type AzureConfig struct {
	// Account is the storage account name.
	Account string

	// Container is the blob container.
	Container string

	// Token is appended verbatim to every URL, typically a SAS query string
	// starting with '?'.
	Token string

	// Domain defaults to DefaultAzureDomain.
	Domain string

	// Endpoint replaces https://{account}.{domain} entirely, e.g. an Azurite
	// emulator at http://127.0.0.1:10000/devstoreaccount1.
	Endpoint string

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// AzureStore uploads block blobs with a single PUT per file.
type AzureStore struct {
	base      string
	container string
	token     string
	client    *http.Client
}

// NewAzureStore validates cfg and builds the store.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure container cannot be empty")
	}

	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		if cfg.Account == "" {
			return nil, fmt.Errorf("azure account cannot be empty")
		}
		domain := cfg.Domain
		if domain == "" {
			domain = DefaultAzureDomain
		}
		base = fmt.Sprintf("https://%s.%s", cfg.Account, strings.Trim(domain, "./"))
	}

	client := cfg.Client
	if client == nil {
		client = newHTTPClient()
	}

	return &AzureStore{
		base:      base,
		container: strings.Trim(cfg.Container, "/"),
		token:     cfg.Token,
		client:    client,
	}, nil
}

// Name implements Store.
func (s *AzureStore) Name() string { return "azure" }

// URL implements Store: {base}/{container}/{name}{token}.
func (s *AzureStore) URL(name string) string {
	return s.base + "/" + s.container + "/" + url.PathEscape(name) + s.token
}

// Put implements Store. The request declares a block blob and the video
// content type; any non-2xx answer is a *StatusError.
func (s *AzureStore) Put(ctx context.Context, job Job, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, job.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", job.RedactedURL(), redactError(err))
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Type", job.ContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload to %s: %w", job.RedactedURL(), redactError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// redactError keeps SAS tokens out of *url.Error messages.
func redactError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: RedactURL(ue.URL), Err: ue.Err}
	}
	return err
}

// newHTTPClient builds the client used for PUTs. There is no overall
// timeout here because bodies can be large; the coordinator bounds each
// job with a context deadline instead. PUTs carry a body and are never
// retried at this layer.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}
