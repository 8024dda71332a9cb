package cmd

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/atomicfile"
	"github.com/adamancini/airdb/internal/manifest"
	"github.com/adamancini/airdb/internal/semver"
	"github.com/adamancini/airdb/internal/types"
	"github.com/adamancini/airdb/internal/verify"
)

// EnvSigningKey holds the hex private key when --key is not given.
const EnvSigningKey = "AIRDB_SIGNING_KEY"

const defaultBaseURL = "https://github.com/airdb/airdb/releases/download/v{version}"

func newReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Create and sign release manifests",
		Long: `Release holds the tools used when publishing airdb: generating the signing key,
writing the update manifest for a set of artifacts, and signing or verifying it.

The private key is read from the file given with --key or from $AIRDB_SIGNING_KEY.`,
	}

	cmd.AddCommand(newReleaseKeygenCmd())
	cmd.AddCommand(newReleaseManifestCmd())
	cmd.AddCommand(newReleaseSignCmd())
	cmd.AddCommand(newReleaseVerifyCmd())

	return cmd
}

func newReleaseKeygenCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		Long: `Keygen prints a new public key for the updater settings (public_key) or the
build, and writes the private key to --out with owner-only permissions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newWriter()
			if err != nil {
				return err
			}
			pub, priv, err := verify.GenerateKey()
			if err != nil {
				return err
			}

			result := map[string]string{"public_key": hex.EncodeToString(pub)}
			if outPath != "" {
				if err := atomicfile.Write(outPath, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0600); err != nil {
					return fmt.Errorf("failed to write private key: %w", err)
				}
				result["private_key_file"] = outPath
			} else {
				result["private_key"] = hex.EncodeToString(priv.Seed())
			}

			if !out.IsText() {
				return out.Write(result)
			}
			fmt.Printf("Public key:  %s\n", result["public_key"])
			if outPath != "" {
				fmt.Printf("Private key: written to %s\n", outPath)
			} else {
				fmt.Printf("Private key: %s\n", result["private_key"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Write the private key to this file instead of stdout")

	return cmd
}

// manifestOptions describes a release for buildManifest.
type manifestOptions struct {
	Version      string
	Channel      string
	MinVersion   string
	Changelog    []string
	Artifacts    []string // os=path
	BaseURL      string
	ReleaseDate  string
	SigningKey   ed25519.PrivateKey
	ManifestPath string
}

// buildManifest hashes the artifacts and assembles, and optionally signs, the
// manifest.
func buildManifest(opts manifestOptions) (*manifest.Manifest, error) {
	if !semver.Valid(opts.Version) {
		return nil, fmt.Errorf("invalid version %q", opts.Version)
	}
	version := semver.Normalize(opts.Version)
	ch, err := types.ParseChannel(opts.Channel)
	if err != nil {
		return nil, err
	}

	m := &manifest.Manifest{
		Version:             version,
		Channel:             ch.String(),
		ReleaseDate:         opts.ReleaseDate,
		MinSupportedVersion: semver.Normalize(opts.MinVersion),
		Changelog:           opts.Changelog,
	}
	if m.ReleaseDate == "" {
		m.ReleaseDate = time.Now().UTC().Format("2006-01-02")
	}
	if m.Changelog == nil {
		m.Changelog = []string{}
	}

	baseURL := strings.TrimSuffix(strings.ReplaceAll(opts.BaseURL, "{version}", version), "/")
	for _, spec := range opts.Artifacts {
		key, path, ok := strings.Cut(spec, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid artifact %q (expected os=path)", spec)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact: %w", err)
		}
		sum, err := verify.Checksum(path)
		if err != nil {
			return nil, err
		}
		size := uint64(info.Size())
		artifact := &manifest.Artifact{
			URL:    baseURL + "/" + filepath.Base(path),
			SHA256: sum,
			Size:   &size,
		}
		if err := m.Artifacts.Set(key, artifact); err != nil {
			return nil, err
		}
	}

	if opts.SigningKey != nil {
		if err := verify.SignManifest(m, opts.SigningKey); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newReleaseManifestCmd() *cobra.Command {
	var (
		opts    manifestOptions
		keyPath string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Write the update manifest for a release",
		Long: `Manifest hashes the release artifacts and writes update-manifest.json.
The manifest is signed when a key is available.

Examples:
  airdb release manifest --version 1.4.0 \
    --artifact linux=dist/airdb-desktop \
    --artifact macos=dist/airdb-desktop-macos \
    --artifact windows=dist/airdb-desktop.exe \
    --changelog "Faster queries" --key release.key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadSigningKey(keyPath, false)
			if err != nil {
				return err
			}
			opts.SigningKey = key

			m, err := buildManifest(opts)
			if err != nil {
				return err
			}
			return writeManifest(m, outPath)
		},
	}

	cmd.Flags().StringVar(&opts.Version, "version", "", "Release version (required)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "stable", "Release channel: stable, beta, nightly")
	cmd.Flags().StringVar(&opts.MinVersion, "min-version", "0.1.0", "Oldest version that may upgrade to this release")
	cmd.Flags().StringArrayVar(&opts.Changelog, "changelog", nil, "Changelog entry (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Artifacts, "artifact", nil, "Artifact as os=path, os one of linux, macos, windows (repeatable)")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", defaultBaseURL, "Download URL prefix; {version} is substituted")
	cmd.Flags().StringVar(&opts.ReleaseDate, "date", "", "Release date (default: today, UTC)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Private key file used to sign the manifest")
	cmd.Flags().StringVar(&outPath, "out", manifest.FileName, "Output file, - for stdout")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func newReleaseSignCmd() *cobra.Command {
	var (
		keyPath string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "sign [manifest]",
		Short: "Sign an update manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := manifest.FileName
			if len(args) == 1 {
				in = args[0]
			}
			key, err := loadSigningKey(keyPath, true)
			if err != nil {
				return err
			}
			m, err := manifest.Load(in)
			if err != nil {
				return err
			}
			if err := verify.SignManifest(m, key); err != nil {
				return err
			}
			if outPath == "" {
				outPath = in
			}
			return writeManifest(m, outPath)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "Private key file (default: $"+EnvSigningKey+")")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file (default: overwrite the input), - for stdout")

	return cmd
}

func newReleaseVerifyCmd() *cobra.Command {
	var (
		publicKey string
		dir       string
	)

	cmd := &cobra.Command{
		Use:   "verify [manifest]",
		Short: "Verify a manifest signature and, optionally, local artifacts",
		Long: `Verify checks the manifest signature against --public-key. With --dir, the
artifacts listed in the manifest are looked up by file name in that directory and
their checksums are verified too.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := manifest.FileName
			if len(args) == 1 {
				in = args[0]
			}
			pub, err := verify.ParsePublicKey(publicKey)
			if err != nil {
				return err
			}
			m, err := manifest.Load(in)
			if err != nil {
				return err
			}
			if err := verify.VerifyManifestSignature(m, pub); err != nil {
				return err
			}
			fmt.Printf("Signature of %s %s is valid\n", in, m.Version)

			if dir == "" {
				return nil
			}
			for key, a := range map[string]*manifest.Artifact{"linux": m.Artifacts.Linux, "macos": m.Artifacts.MacOS, "windows": m.Artifacts.Windows} {
				if a == nil {
					continue
				}
				path := filepath.Join(dir, filepath.Base(a.URL))
				if err := verify.VerifyChecksum(path, a.SHA256); err != nil {
					return fmt.Errorf("%s artifact: %w", key, err)
				}
				fmt.Printf("Checksum of %s is valid\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&publicKey, "public-key", "", "Hex Ed25519 public key (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory holding the artifacts to check")
	_ = cmd.MarkFlagRequired("public-key")

	return cmd
}

// loadSigningKey reads the key from path, or from $AIRDB_SIGNING_KEY when
// path is empty. Without either it returns nil unless required.
func loadSigningKey(path string, required bool) (ed25519.PrivateKey, error) {
	var encoded string
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		encoded = string(data)
	case os.Getenv(EnvSigningKey) != "":
		encoded = os.Getenv(EnvSigningKey)
	case required:
		return nil, fmt.Errorf("no signing key, use --key or set %s", EnvSigningKey)
	default:
		return nil, nil
	}
	return verify.ParsePrivateKey(encoded)
}

func writeManifest(m *manifest.Manifest, path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := atomicfile.Write(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	state := "unsigned"
	if m.Signature != "" {
		state = "signed"
	}
	fmt.Printf("Wrote %s manifest for %s to %s\n", state, m.Version, path)
	return nil
}
