package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// matches $(VAR_NAME)
var envPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// replaces $(VAR) with os.Getenv(VAR)
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := envPattern.FindStringSubmatch(m)[1]
		return os.Getenv(key)
	})
}

// Load builds the configuration from defaults, the YAML file at path
// (optional; a missing file is not an error), and DAVSCAN_* environment
// overrides, in that order of precedence. The skip-path list is read
// from its own JSON file. Validation failures are fatal for the caller.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults + env
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			// expand $(ENV_VAR) placeholders before unmarshalling
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("unmarshalling yaml: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	for i, root := range cfg.Scan.Roots {
		cfg.Scan.Roots[i] = NormalizePath(root)
	}

	skips, err := loadSkipPaths(cfg.Store.SkipPathsFile)
	if err != nil {
		return nil, err
	}
	cfg.Scan.SkipPaths = skips

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides lets single environment variables take precedence
// over whatever the YAML file provided.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DAVSCAN_BASE_URL"); v != "" {
		cfg.WebDAV.BaseURL = v
	}
	if v := os.Getenv("DAVSCAN_USERNAME"); v != "" {
		cfg.WebDAV.Username = v
	}
	if v := os.Getenv("DAVSCAN_PASSWORD"); v != "" {
		cfg.WebDAV.Password = v
	}
	if v := os.Getenv("DAVSCAN_INSECURE_TLS"); v != "" {
		cfg.WebDAV.InsecureTLS = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DAVSCAN_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DAVSCAN_TIMEOUT_SECONDS must be an integer: %w", err)
		}
		cfg.WebDAV.TimeoutSeconds = n
	}
	if v := os.Getenv("DAVSCAN_ROOTS"); v != "" {
		var roots []string
		if err := json.Unmarshal([]byte(v), &roots); err != nil {
			return fmt.Errorf("DAVSCAN_ROOTS must be a JSON string array: %w", err)
		}
		cfg.Scan.Roots = roots
	}
	if v := os.Getenv("DAVSCAN_CACHE_WINDOW_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DAVSCAN_CACHE_WINDOW_HOURS must be an integer: %w", err)
		}
		cfg.Scan.CacheWindowHours = n
	}
	if v := os.Getenv("DAVSCAN_ONLY_NEW"); v != "" {
		cfg.Scan.OnlyNew = !strings.EqualFold(v, "false")
	}
	if v := os.Getenv("DAVSCAN_SCHEDULE"); v != "" {
		cfg.Scan.Schedule = v
	}
	if v := os.Getenv("DAVSCAN_DB_FILE"); v != "" {
		cfg.Store.DatabaseFile = v
	}
	if v := os.Getenv("DAVSCAN_SNAPSHOT_FILE"); v != "" {
		cfg.Store.SnapshotFile = v
	}
	if v := os.Getenv("DAVSCAN_SKIP_PATHS_FILE"); v != "" {
		cfg.Store.SkipPathsFile = v
	}
	if v := os.Getenv("DAVSCAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DAVSCAN_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DAVSCAN_TMDB_API_KEY"); v != "" {
		cfg.Metadata.TMDBAPIKey = v
	}
	if v := os.Getenv("DAVSCAN_METADATA_CACHE_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DAVSCAN_METADATA_CACHE_HOURS must be an integer: %w", err)
		}
		cfg.Metadata.CacheHours = n
	}
	return nil
}

// loadSkipPaths reads the JSON skip-prefix list. A missing file means
// an empty list, not an error.
func loadSkipPaths(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading skip-path file %s: %w", path, err)
	}

	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("skip-path file %s must be a JSON string array: %w", path, err)
	}

	out := make([]string, 0, len(raw))
	for _, p := range raw {
		n := NormalizePath(p)
		if n == "" {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func validate(cfg *Config) error {
	if cfg.WebDAV.BaseURL == "" {
		return fmt.Errorf("webdav.baseUrl is required")
	}
	u, err := url.Parse(cfg.WebDAV.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webdav.baseUrl %q is not a valid URL", cfg.WebDAV.BaseURL)
	}
	if cfg.WebDAV.TimeoutSeconds <= 0 {
		return fmt.Errorf("webdav.timeoutSeconds must be positive, got %d", cfg.WebDAV.TimeoutSeconds)
	}
	if len(cfg.Scan.Roots) == 0 {
		return fmt.Errorf("scan.roots must not be empty")
	}
	if cfg.Scan.CacheWindowHours < 0 {
		return fmt.Errorf("scan.cacheWindowHours must not be negative, got %d", cfg.Scan.CacheWindowHours)
	}
	if cfg.Store.DatabaseFile == "" {
		return fmt.Errorf("store.databaseFile is required")
	}
	if cfg.Store.SnapshotFile == "" {
		return fmt.Errorf("store.snapshotFile is required")
	}
	return nil
}

// NormalizePath trims whitespace, forces a leading slash and strips the
// trailing one, so cache keys and skip prefixes compare consistently.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
