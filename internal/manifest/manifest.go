// Package manifest defines the signed release manifest and the sources it is
// fetched from.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/semver"
	"github.com/adamancini/airdb/internal/types"
)

// FileName is the asset name of the manifest attached to every release.
const FileName = "update-manifest.json"

// maxManifestSize bounds how much of a manifest response is read.
const maxManifestSize = 1 << 20

var (
	// ErrNoArtifact is returned when a manifest carries no artifact for the
	// running platform.
	ErrNoArtifact = errors.New("no artifact for this platform")
	// ErrNoRelease is returned when a source has no release for the channel.
	ErrNoRelease = errors.New("no release available")
)

// Manifest describes one release. The field order is significant: the
// signature covers the compact JSON encoding of the manifest in this order
// with Signature set to "".
type Manifest struct {
	Version             string      `json:"version" yaml:"version"`
	Channel             string      `json:"channel" yaml:"channel"`
	ReleaseDate         string      `json:"release_date" yaml:"release_date"`
	MinSupportedVersion string      `json:"min_supported_version" yaml:"min_supported_version"`
	Changelog           []string    `json:"changelog" yaml:"changelog"`
	Artifacts           ArtifactMap `json:"artifacts" yaml:"artifacts"`
	Signature           string      `json:"signature" yaml:"signature"`
}

// ArtifactMap holds one artifact per supported operating system.
type ArtifactMap struct {
	Windows *Artifact `json:"windows,omitempty" yaml:"windows,omitempty"`
	Linux   *Artifact `json:"linux,omitempty" yaml:"linux,omitempty"`
	MacOS   *Artifact `json:"macos,omitempty" yaml:"macos,omitempty"`
}

// Artifact is a single downloadable binary.
type Artifact struct {
	URL    string  `json:"url" yaml:"url"`
	SHA256 string  `json:"sha256" yaml:"sha256"`
	Size   *uint64 `json:"size,omitempty" yaml:"size,omitempty"`
}

// Source fetches manifests from a release host.
type Source interface {
	// Latest returns the newest manifest offered on the channel.
	Latest(ctx context.Context, channel types.Channel) (*Manifest, error)
	// ForVersion returns the manifest of one specific release.
	ForVersion(ctx context.Context, version string) (*Manifest, error)
}

// Parse decodes a manifest and checks its required fields.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from disk.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if !semver.Valid(m.Version) {
		return fmt.Errorf("manifest: invalid version %q", m.Version)
	}
	if m.Channel != "" {
		if err := types.Channel(m.Channel).Validate(); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}
	for key, a := range m.Artifacts.entries() {
		if a == nil {
			continue
		}
		if a.URL == "" {
			return fmt.Errorf("manifest: artifact %s: url is required", key)
		}
		if len(a.SHA256) != 64 {
			return fmt.Errorf("manifest: artifact %s: sha256 must be 64 hex characters", key)
		}
	}
	return nil
}

// ReleaseChannel returns the channel the release was published on; an
// empty channel means stable.
func (m *Manifest) ReleaseChannel() types.Channel {
	if m.Channel == "" {
		return types.ChannelStable
	}
	return types.Channel(strings.ToLower(m.Channel))
}

// CanUpgradeFrom reports whether this release may be applied on top of
// the given installed version.
func (m *Manifest) CanUpgradeFrom(current string) bool {
	return semver.CanUpgradeFrom(m.MinSupportedVersion, current)
}

// CanonicalBytes returns the byte sequence covered by the signature: the
// compact JSON encoding with the signature field cleared.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	if clone.Changelog == nil {
		clone.Changelog = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&clone); err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Marshal encodes the manifest for publishing.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// SelectPlatformArtifact picks the artifact for the given platform. A missing
// entry is an error, never a silent skip.
func SelectPlatformArtifact(m *Manifest, p platform.Platform) (*Artifact, error) {
	key := p.ManifestKey()
	a := m.Artifacts.entries()[key]
	if key == "" || a == nil {
		return nil, fmt.Errorf("%w: %s (release %s)", ErrNoArtifact, p, m.Version)
	}
	return a, nil
}

// Set stores an artifact under a manifest key ("windows", "linux", "macos").
func (a *ArtifactMap) Set(key string, artifact *Artifact) error {
	switch key {
	case "windows":
		a.Windows = artifact
	case "linux":
		a.Linux = artifact
	case "macos":
		a.MacOS = artifact
	default:
		return fmt.Errorf("unknown artifact platform %q (must be windows, linux, or macos)", key)
	}
	return nil
}

func (a ArtifactMap) entries() map[string]*Artifact {
	return map[string]*Artifact{
		"windows": a.Windows,
		"linux":   a.Linux,
		"macos":   a.MacOS,
	}
}
