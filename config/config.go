package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/magiconair/properties"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-backup/auth"
	"github.com/dhcgn/mail-backup/graph"
	"github.com/dhcgn/mail-backup/naming"
)

const (
	// DefaultConfigFile is read from the working directory when --config is not given.
	DefaultConfigFile = "oAuth.properties"
	envPrefix         = "MAILBACKUP"
	maxPageSize       = 1000
)

// Config captures everything the commands need, merged from defaults, the
// properties file, MAILBACKUP_* environment variables and flags.
type Config struct {
	ConfigFile string

	ClientID     string
	TenantID     string
	Scopes       []string
	Authority    string
	GraphBaseURL string

	OutputDir        string
	MailFolder       string
	FolderPrefix     string
	FolderSize       int
	MaxSubjectLength int
	DateLayout       string
	PageSize         int

	TokenCache    bool
	TokenCacheDir string
	// TokenCachePassword unlocks the file keyring backend. It is read from
	// the config file or MAILBACKUP_TOKENCACHE_PASSWORD, never from a flag.
	TokenCachePassword string

	LogLevel string
	LogDir   string

	IncludeSubject []string
	IncludeFrom    []string
	ExcludeSubject []string
	ExcludeFrom    []string

	MboxPath string
	IMAP     IMAPConfig
}

// IMAPConfig configures the optional IMAP mirror.
type IMAPConfig struct {
	Host               string
	Port               int
	User               string
	Pass               string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Enabled reports whether an IMAP mirror was requested.
func (c IMAPConfig) Enabled() bool {
	return c.Host != ""
}

// Auth returns the sign-in settings.
func (c Config) Auth() auth.Config {
	return auth.Config{
		ClientID:  c.ClientID,
		TenantID:  c.TenantID,
		Scopes:    c.Scopes,
		Authority: c.Authority,
	}
}

// ValidationError names the configuration key that is missing or invalid.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Key)
	}
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

// flagKeys maps CLI flags onto configuration keys.
var flagKeys = map[string]string{
	"client-id":            "app.clientId",
	"tenant-id":            "app.tenantId",
	"scopes":               "app.graphUserScopes",
	"authority":            "app.authority",
	"graph-url":            "app.graphBaseUrl",
	"output":               "export.outputDir",
	"mail-folder":          "export.mailFolder",
	"folder-prefix":        "export.folderPrefix",
	"folder-size":          "export.folderSize",
	"max-subject-length":   "export.maxSubjectLength",
	"date-layout":          "export.dateLayout",
	"page-size":            "export.pageSize",
	"token-cache":          "tokenCache.enabled",
	"token-cache-dir":      "tokenCache.dir",
	"log-level":            "log.level",
	"log-dir":              "log.dir",
	"include-subject":      "filter.includeSubject",
	"include-from":         "filter.includeFrom",
	"exclude-subject":      "filter.excludeSubject",
	"exclude-from":         "filter.excludeFrom",
	"mbox":                 "mirror.mbox",
	"imap-host":            "mirror.imap.host",
	"imap-port":            "mirror.imap.port",
	"imap-user":            "mirror.imap.user",
	"imap-pass":            "mirror.imap.pass",
	"use-tls":              "mirror.imap.useTls",
	"insecure-skip-verify": "mirror.imap.insecureSkipVerify",
	"target-folder":        "mirror.imap.targetFolder",
	"dry-run":              "mirror.imap.dryRun",
}

// RegisterFlags attaches the flags shared by every command that signs in.
func RegisterFlags(cmd *cobra.Command) error {
	defaultCacheDir, err := defaultTokenCacheDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", DefaultConfigFile, "Path to the properties file with app.clientId, app.tenantId and app.graphUserScopes")
	flags.String("client-id", "", "Application (client) ID of the app registration")
	flags.String("tenant-id", "", "Directory (tenant) ID, or common/consumers/organizations")
	flags.String("scopes", "", "Comma-separated Graph scopes, e.g. user.read,mail.read,offline_access")
	flags.String("authority", auth.DefaultAuthority, "Microsoft identity platform host")
	flags.String("graph-url", graph.DefaultBaseURL, "Microsoft Graph base URL")
	flags.Bool("token-cache", true, "Keep the refresh token in the system keyring between runs")
	flags.String("token-cache-dir", defaultCacheDir, "Directory for the file keyring backend")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	return nil
}

// RegisterExportFlags attaches the flags of the export command.
func RegisterExportFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("output", ".", "Directory that receives the numbered message folders")
	flags.String("mail-folder", graph.Inbox, "Mail folder to export (id or well-known name)")
	flags.String("folder-prefix", naming.DefaultFolderPrefix, "Name prefix of the numbered output folders")
	flags.Int("folder-size", 100, "Maximum number of messages per output folder")
	flags.Int("max-subject-length", naming.DefaultMaxSubjectLength, "Maximum subject length in file names, in characters")
	flags.String("date-layout", naming.DefaultDateLayout, "Go time layout of the date part of file names")
	flags.Int("page-size", 0, "Messages per listing page (0 uses the server default)")
	flags.StringArray("include-subject", nil, "Regex allow-list applied to subjects (mutually exclusive with exclude flags)")
	flags.StringArray("include-from", nil, "Regex allow-list applied to senders (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-subject", nil, "Regex block-list applied to subjects (mutually exclusive with include flags)")
	flags.StringArray("exclude-from", nil, "Regex block-list applied to senders (mutually exclusive with include flags)")
	flags.String("mbox", "", "Also append every exported message to this mbox file")
	flags.String("imap-host", "", "Also upload every exported message to this IMAP server")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for mirrored mail")
	flags.Bool("dry-run", false, "Log IMAP uploads without performing them")
}

// LoadConfig merges all configuration sources for cmd and validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}

	path := DefaultConfigFile
	explicit := false
	if f := flags.Lookup("config"); f != nil {
		path = f.Value.String()
		explicit = f.Changed
	}
	if err := readConfigFile(v, path, explicit); err != nil {
		return Config{}, err
	}

	cfg := fromViper(v)
	cfg.ConfigFile = path

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.authority", auth.DefaultAuthority)
	v.SetDefault("app.graphBaseUrl", graph.DefaultBaseURL)
	v.SetDefault("export.outputDir", ".")
	v.SetDefault("export.mailFolder", graph.Inbox)
	v.SetDefault("export.folderPrefix", naming.DefaultFolderPrefix)
	v.SetDefault("export.folderSize", 100)
	v.SetDefault("export.maxSubjectLength", naming.DefaultMaxSubjectLength)
	v.SetDefault("export.dateLayout", naming.DefaultDateLayout)
	v.SetDefault("export.pageSize", 0)
	v.SetDefault("tokenCache.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("mirror.imap.port", 993)
	v.SetDefault("mirror.imap.useTls", true)
	v.SetDefault("mirror.imap.targetFolder", "INBOX")
}

func readConfigFile(v *viper.Viper, path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	default:
		return readProperties(v, path)
	}
}

// readProperties loads a Java-style properties file such as
// "app.clientId=...". Dotted keys become nested settings.
func readProperties(v *viper.Viper, path string) error {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	settings := make(map[string]any)
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		setNested(settings, strings.Split(key, "."), value)
	}
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("merging config %s: %w", path, err)
	}
	return nil
}

func setNested(m map[string]any, path []string, value string) {
	for _, part := range path[:len(path)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

func fromViper(v *viper.Viper) Config {
	cacheDir := v.GetString("tokenCache.dir")
	if cacheDir == "" {
		cacheDir, _ = defaultTokenCacheDir()
	}

	imapPass := v.GetString("mirror.imap.pass")
	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log.level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	return Config{
		ClientID:           strings.TrimSpace(v.GetString("app.clientId")),
		TenantID:           strings.TrimSpace(v.GetString("app.tenantId")),
		Scopes:             auth.ParseScopes(v.GetString("app.graphUserScopes")),
		Authority:          v.GetString("app.authority"),
		GraphBaseURL:       v.GetString("app.graphBaseUrl"),
		OutputDir:          filepath.Clean(v.GetString("export.outputDir")),
		MailFolder:         v.GetString("export.mailFolder"),
		FolderPrefix:       v.GetString("export.folderPrefix"),
		FolderSize:         v.GetInt("export.folderSize"),
		MaxSubjectLength:   v.GetInt("export.maxSubjectLength"),
		DateLayout:         v.GetString("export.dateLayout"),
		PageSize:           v.GetInt("export.pageSize"),
		TokenCache:         v.GetBool("tokenCache.enabled"),
		TokenCacheDir:      filepath.Clean(cacheDir),
		TokenCachePassword: v.GetString("tokenCache.password"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log.dir"),
		IncludeSubject:     getList(v, "filter.includeSubject"),
		IncludeFrom:        getList(v, "filter.includeFrom"),
		ExcludeSubject:     getList(v, "filter.excludeSubject"),
		ExcludeFrom:        getList(v, "filter.excludeFrom"),
		MboxPath:           v.GetString("mirror.mbox"),
		IMAP: IMAPConfig{
			Host:               v.GetString("mirror.imap.host"),
			Port:               v.GetInt("mirror.imap.port"),
			User:               v.GetString("mirror.imap.user"),
			Pass:               imapPass,
			UseTLS:             v.GetBool("mirror.imap.useTls"),
			InsecureSkipVerify: v.GetBool("mirror.imap.insecureSkipVerify"),
			TargetFolder:       v.GetString("mirror.imap.targetFolder"),
			DryRun:             v.GetBool("mirror.imap.dryRun"),
		},
	}
}

// getList reads a list from a flag (one value per flag) or from a file or
// environment value (newline separated, so patterns may contain commas).
func getList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case nil:
		return nil
	case []string:
		raw = val
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	case string:
		raw = strings.Split(val, "\n")
	default:
		raw = []string{fmt.Sprint(val)}
	}

	var out []string
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateConfig(cfg Config) error {
	if cfg.ClientID == "" {
		return &ValidationError{Key: "app.clientId"}
	}
	if cfg.TenantID == "" {
		return &ValidationError{Key: "app.tenantId"}
	}
	if len(cfg.Scopes) == 0 {
		return &ValidationError{Key: "app.graphUserScopes"}
	}
	if cfg.OutputDir == "" {
		return &ValidationError{Key: "export.outputDir"}
	}
	if cfg.FolderSize <= 0 {
		return &ValidationError{Key: "export.folderSize", Reason: "must be positive"}
	}
	if cfg.MaxSubjectLength <= 0 {
		return &ValidationError{Key: "export.maxSubjectLength", Reason: "must be positive"}
	}
	if cfg.PageSize < 0 || cfg.PageSize > maxPageSize {
		return &ValidationError{Key: "export.pageSize", Reason: fmt.Sprintf("must be between 0 and %d", maxPageSize)}
	}

	includeActive := len(cfg.IncludeSubject) > 0 || len(cfg.IncludeFrom) > 0
	excludeActive := len(cfg.ExcludeSubject) > 0 || len(cfg.ExcludeFrom) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	if cfg.IMAP.Enabled() {
		if cfg.IMAP.User == "" {
			return &ValidationError{Key: "mirror.imap.user"}
		}
		if cfg.IMAP.Pass == "" && !cfg.IMAP.DryRun {
			return &ValidationError{Key: "mirror.imap.pass", Reason: "provide it via --imap-pass or IMAP_PASS env var"}
		}
		if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
			return &ValidationError{Key: "mirror.imap.port", Reason: "must be between 1 and 65535"}
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Key: "log.level", Reason: cfg.LogLevel}
	}

	return nil
}

func defaultTokenCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-backup", "tokens"), nil
}
