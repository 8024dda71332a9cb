package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adamancini/airdb/internal/semver"
	"github.com/adamancini/airdb/internal/types"
)

// GitHubSource finds release manifests via the GitHub releases API
type GitHubSource struct {
	githubToken string // Optional, for rate limiting
	owner       string // Repository owner
	repo        string // Repository name
	userAgent   string
	client      *http.Client
	baseURL     string // Base URL for GitHub API (for testing)
}

// GitHubRelease represents a GitHub release response
type GitHubRelease struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name"`
	Body       string `json:"body"`
	HTMLURL    string `json:"html_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
	Assets     []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// NewGitHubSource creates a new GitHub release source
func NewGitHubSource(owner, repo string) *GitHubSource {
	return &GitHubSource{
		owner: owner,
		repo:  repo,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: "https://api.github.com",
	}
}

// WithToken sets an optional GitHub token for authentication
func (s *GitHubSource) WithToken(token string) *GitHubSource {
	s.githubToken = token
	return s
}

// WithClient replaces the HTTP client
func (s *GitHubSource) WithClient(client *http.Client) *GitHubSource {
	s.client = client
	return s
}

// WithUserAgent sets the User-Agent sent with every request
func (s *GitHubSource) WithUserAgent(ua string) *GitHubSource {
	s.userAgent = ua
	return s
}

// WithBaseURL points the source at another API host
func (s *GitHubSource) WithBaseURL(baseURL string) *GitHubSource {
	s.baseURL = baseURL
	return s
}

// Latest walks the release list newest first and returns the first manifest
// whose channel the subscriber accepts. Stable subscribers never look at
// releases flagged as prereleases.
func (s *GitHubSource) Latest(ctx context.Context, channel types.Channel) (*Manifest, error) {
	releases, err := s.listReleases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}

	var best *Manifest
	for i := range releases {
		release := &releases[i]
		if release.Draft {
			continue
		}
		if release.Prerelease && channel == types.ChannelStable {
			continue
		}

		manifestURL := findManifestURL(release)
		if manifestURL == "" {
			continue
		}

		m, err := fetchManifest(ctx, s.client, manifestURL, s.headers())
		if err != nil {
			return nil, fmt.Errorf("release %s: %w", release.TagName, err)
		}
		if !channel.Accepts(m.ReleaseChannel()) {
			continue
		}
		if best == nil || semver.IsNewer(m.Version, best.Version) {
			best = m
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w on channel %s", ErrNoRelease, channel)
	}
	return best, nil
}

// ForVersion fetches the manifest attached to the release tagged v<version>.
func (s *GitHubSource) ForVersion(ctx context.Context, version string) (*Manifest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/tags/v%s", s.baseURL, s.owner, s.repo, semver.Normalize(version))

	var release GitHubRelease
	if err := s.getJSON(ctx, url, &release); err != nil {
		return nil, fmt.Errorf("failed to get release %s: %w", version, err)
	}

	manifestURL := findManifestURL(&release)
	if manifestURL == "" {
		return nil, fmt.Errorf("%w: release %s has no %s", ErrNoRelease, release.TagName, FileName)
	}
	return fetchManifest(ctx, s.client, manifestURL, s.headers())
}

// listReleases fetches the most recent releases from GitHub API
func (s *GitHubSource) listReleases(ctx context.Context) ([]GitHubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=30", s.baseURL, s.owner, s.repo)

	var releases []GitHubRelease
	if err := s.getJSON(ctx, url, &releases); err != nil {
		return nil, err
	}
	return releases, nil
}

func (s *GitHubSource) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	// Set headers
	req.Header.Set("Accept", "application/vnd.github+json")
	for k, val := range s.headers() {
		req.Header.Set(k, val)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (s *GitHubSource) headers() map[string]string {
	h := map[string]string{}
	if s.userAgent != "" {
		h["User-Agent"] = s.userAgent
	}
	if s.githubToken != "" {
		h["Authorization"] = "Bearer " + s.githubToken
	}
	return h
}

// findManifestURL finds the manifest asset of a release
func findManifestURL(release *GitHubRelease) string {
	for _, asset := range release.Assets {
		if asset.Name == FileName {
			return asset.BrowserDownloadURL
		}
	}
	return ""
}
