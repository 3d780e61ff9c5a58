package config

// Config is the full runtime configuration, built once at startup and
// passed by reference into the components that need it.
type Config struct {
	WebDAV   WebDAVConfig   `yaml:"webdav"`
	Scan     ScanConfig     `yaml:"scan"`
	Store    StoreConfig    `yaml:"store"`
	Filter   FilterConfig   `yaml:"filter"`
	Metadata MetadataConfig `yaml:"metadata"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type WebDAVConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	InsecureTLS    bool   `yaml:"insecureTls"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"` // per remote call, not per scan
}

type ScanConfig struct {
	Roots            []string `yaml:"roots"`
	CacheWindowHours int      `yaml:"cacheWindowHours"`
	OnlyNew          bool     `yaml:"onlyNew"`
	Schedule         string   `yaml:"schedule"` // cron expression; empty means run once and exit

	// SkipPaths is loaded from Store.SkipPathsFile, not from the YAML
	// document itself. Entries are normalized path prefixes.
	SkipPaths []string `yaml:"-"`
}

type StoreConfig struct {
	DatabaseFile  string `yaml:"databaseFile"`
	SnapshotFile  string `yaml:"snapshotFile"`
	SkipPathsFile string `yaml:"skipPathsFile"`
}

type FilterConfig struct {
	VideoExtensions []string `yaml:"videoExtensions"`
	// Languages maps a language label to the regex patterns that
	// identify it in a path or filename.
	Languages map[string][]string `yaml:"languages"`
}

type MetadataConfig struct {
	TMDBAPIKey string `yaml:"tmdbApiKey"`
	CacheHours int    `yaml:"cacheHours"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // "info", "debug", etc.
	Format string `yaml:"format"` // "json", "text"
}

// Default returns the configuration used when a key is absent from both
// the YAML file and the environment.
func Default() *Config {
	return &Config{
		WebDAV: WebDAVConfig{
			BaseURL:        "http://192.168.9.1:5344/dav",
			InsecureTLS:    true,
			TimeoutSeconds: 20,
		},
		Scan: ScanConfig{
			Roots:            []string{"/每日更新/电视剧/日剧", "/每日更新/电视剧/美剧"},
			CacheWindowHours: 24,
			OnlyNew:          true,
		},
		Store: StoreConfig{
			DatabaseFile:  "./davscan.db",
			SnapshotFile:  "./state.json",
			SkipPathsFile: "./skip_paths.json",
		},
		Filter: FilterConfig{
			VideoExtensions: []string{".mp4", ".mkv", ".avi", ".mov", ".ts", ".m4v", ".wmv", ".webm"},
			Languages: map[string][]string{
				"美剧": {
					`美剧`,
					`\bUS\b`,
					`\bUSA\b`,
					`\bEN\b`,
					`\bEng\b`,
					`\bS\d{1,2}E\d{1,2}\b`,
				},
				"日剧": {
					`日剧`,
					`\bJP\b`,
					`\bJPN\b`,
					`日本`,
					`日語|日语|JAP`,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
