package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/adamancini/airdb/internal/verify"
)

// ValidationError represents a settings validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the settings for valid values.
func Validate(c *Config) error {
	var errors []string

	if c.ManifestURL != "" {
		if err := validateManifestURL(c.ManifestURL); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if (c.GitHub.Owner == "") != (c.GitHub.Repo == "") {
		errors = append(errors, ValidationError{
			Field:   "github",
			Message: "owner and repo must be set together",
		}.Error())
	}

	if c.PublicKey != "" {
		if _, err := verify.ParsePublicKey(c.PublicKey); err != nil {
			errors = append(errors, ValidationError{Field: "public_key", Message: err.Error()}.Error())
		}
	}

	if c.Channel != "" {
		if err := c.Channel.Validate(); err != nil {
			errors = append(errors, ValidationError{Field: "channel", Message: err.Error()}.Error())
		}
	}

	if c.StartupTimeout < 0 {
		errors = append(errors, ValidationError{Field: "startup_timeout", Message: "must not be negative"}.Error())
	}
	if c.HTTPTimeout < 0 {
		errors = append(errors, ValidationError{Field: "http_timeout", Message: "must not be negative"}.Error())
	}
	if c.KeepVersions < 0 {
		errors = append(errors, ValidationError{Field: "keep_versions", Message: "must not be negative"}.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func validateManifestURL(raw string) error {
	sample := strings.NewReplacer("{channel}", "stable", "{version}", "latest").Replace(raw)
	u, err := url.Parse(sample)
	if err != nil {
		return ValidationError{Field: "manifest_url", Message: err.Error()}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ValidationError{
			Field:   "manifest_url",
			Message: fmt.Sprintf("unsupported scheme '%s' (must be https or http)", u.Scheme),
		}
	}
	if u.Host == "" {
		return ValidationError{Field: "manifest_url", Message: "missing host"}
	}
	return nil
}
