package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adamancini/airdb/internal/semver"
	"github.com/adamancini/airdb/internal/types"
)

// URLSource fetches a manifest from a fixed URL. The template may contain
// {channel} and, for version lookups, {version}.
type URLSource struct {
	template  string
	userAgent string
	client    *http.Client
}

// NewURLSource creates a source for a manifest URL template
func NewURLSource(template string) *URLSource {
	return &URLSource{
		template: template,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithClient replaces the HTTP client
func (s *URLSource) WithClient(client *http.Client) *URLSource {
	s.client = client
	return s
}

// WithUserAgent sets the User-Agent sent with every request
func (s *URLSource) WithUserAgent(ua string) *URLSource {
	s.userAgent = ua
	return s
}

// Latest fetches the channel manifest.
func (s *URLSource) Latest(ctx context.Context, channel types.Channel) (*Manifest, error) {
	url := strings.ReplaceAll(s.template, "{channel}", channel.String())
	url = strings.ReplaceAll(url, "{version}", "latest")

	m, err := fetchManifest(ctx, s.client, url, s.headers())
	if err != nil {
		return nil, err
	}
	if !channel.Accepts(m.ReleaseChannel()) {
		return nil, fmt.Errorf("%w on channel %s (manifest is %s)", ErrNoRelease, channel, m.ReleaseChannel())
	}
	return m, nil
}

// ForVersion fetches the manifest of a specific version. Templates without a
// {version} placeholder serve a single manifest, which must match.
func (s *URLSource) ForVersion(ctx context.Context, version string) (*Manifest, error) {
	version = semver.Normalize(version)
	url := strings.ReplaceAll(s.template, "{version}", version)
	url = strings.ReplaceAll(url, "{channel}", types.ChannelStable.String())

	m, err := fetchManifest(ctx, s.client, url, s.headers())
	if err != nil {
		return nil, err
	}
	if semver.Compare(m.Version, version) != 0 {
		return nil, fmt.Errorf("%w: version %s (manifest offers %s)", ErrNoRelease, version, m.Version)
	}
	return m, nil
}

func (s *URLSource) headers() map[string]string {
	if s.userAgent == "" {
		return nil
	}
	return map[string]string{"User-Agent": s.userAgent}
}

func fetchManifest(ctx context.Context, client *http.Client, url string, headers map[string]string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/octet-stream, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("manifest request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}
