package orfree

import (
	"fmt"
	"os"
	"strings"
)

// Environment variable names consumed by FromEnv. These match the surrounding
// application's deployment configuration.
const (
	EnvAPIKey   = "OPENROUTER_API_KEY"
	EnvAPIKeys  = "OPENROUTER_API_KEYS" // comma-separated; takes precedence
	EnvSiteURL  = "OPENROUTER_SITE_URL"
	EnvSiteName = "OPENROUTER_SITE_NAME"
	EnvModel1   = "OPENROUTER_MODEL_1"
	EnvModel2   = "OPENROUTER_MODEL_2"
	EnvModel3   = "OPENROUTER_MODEL_3"
)

// FromEnv builds construction options from the process environment. It fails
// fast when no credential is configured, mirroring the application's
// validate-at-startup policy, and leaves unset values to their defaults.
func FromEnv() ([]Option, error) {
	var opts []Option

	keys := splitKeys(os.Getenv(EnvAPIKeys))
	if len(keys) == 0 {
		if k := strings.TrimSpace(os.Getenv(EnvAPIKey)); k != "" {
			keys = []string{k}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("orfree: %s or %s is required", EnvAPIKey, EnvAPIKeys)
	}
	opts = append(opts, WithAPIKeys(keys...))

	siteURL := strings.TrimSpace(os.Getenv(EnvSiteURL))
	siteName := strings.TrimSpace(os.Getenv(EnvSiteName))
	if siteURL != "" || siteName != "" {
		d := defaultConfig()
		if siteURL == "" {
			siteURL = d.SiteURL
		}
		if siteName == "" {
			siteName = d.SiteName
		}
		opts = append(opts, WithAttribution(siteURL, siteName))
	}

	var overrides []string
	for _, env := range []string{EnvModel1, EnvModel2, EnvModel3} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			overrides = append(overrides, v)
		}
	}
	// The override is active only when the first slot is set, so stale
	// MODEL_2/MODEL_3 values cannot silently force a partial override.
	if strings.TrimSpace(os.Getenv(EnvModel1)) != "" {
		opts = append(opts, WithModelOverrides(overrides...))
	}

	return opts, nil
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
