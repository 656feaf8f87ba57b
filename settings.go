package wandlet

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	defaults "github.com/Paranoid-AF/wandlet/default"
)

// Settings is the wandletd daemon configuration.
type Settings struct {
	Version     int               `mapstructure:"version" toml:"version"`
	Listen      string            `mapstructure:"listen" toml:"listen"`
	PromptsPath string            `mapstructure:"prompts_path" toml:"prompts_path"`
	Backend     BackendSettings   `mapstructure:"backend" toml:"backend"`
	Embedding   EmbeddingSettings `mapstructure:"embedding" toml:"embedding"`
	Index       IndexSettings     `mapstructure:"index" toml:"index"`
	Images      ImageSettings     `mapstructure:"images" toml:"images"`
	Feedback    FeedbackSettings  `mapstructure:"feedback" toml:"feedback"`
	Server      ServerSettings    `mapstructure:"server" toml:"server"`
}

// BackendSettings selects and configures the text generation backend.
type BackendSettings struct {
	Type                string  `mapstructure:"type" toml:"type"`
	BaseURL             string  `mapstructure:"base_url" toml:"base_url"`
	APIKey              string  `mapstructure:"api_key" toml:"api_key"`
	Model               string  `mapstructure:"model" toml:"model"`
	ImageModel          string  `mapstructure:"image_model" toml:"image_model"`
	TokenLimit          int     `mapstructure:"token_limit" toml:"token_limit"`
	MaxTokens           int     `mapstructure:"max_tokens" toml:"max_tokens"`
	Temperature         float64 `mapstructure:"temperature" toml:"temperature"`
	MaxRetries          int     `mapstructure:"max_retries" toml:"max_retries"`
	MaxWordSleepSeconds float64 `mapstructure:"max_word_sleep_seconds" toml:"max_word_sleep_seconds"`
}

// EmbeddingSettings configures the embedder used by page indexes.
type EmbeddingSettings struct {
	Type            string `mapstructure:"type" toml:"type"`
	BaseURL         string `mapstructure:"base_url" toml:"base_url"`
	APIKey          string `mapstructure:"api_key" toml:"api_key"`
	Model           string `mapstructure:"model" toml:"model"`
	Dimensions      int    `mapstructure:"dimensions" toml:"dimensions"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes" toml:"cache_ttl_minutes"`
}

// IndexSettings locates the page indexes served by the content endpoints.
type IndexSettings struct {
	Dir       string `mapstructure:"dir" toml:"dir"`
	ChunkSize int    `mapstructure:"chunk_size" toml:"chunk_size"`
	MaxLimit  int    `mapstructure:"max_limit" toml:"max_limit"`
}

// ImageSettings locates images that can be described.
type ImageSettings struct {
	Dir       string `mapstructure:"dir" toml:"dir"`
	MaxLength int    `mapstructure:"max_length" toml:"max_length"`
}

// FeedbackSettings tunes the content feedback prompt.
type FeedbackSettings struct {
	ContentType    string `mapstructure:"content_type" toml:"content_type"`
	EditorLanguage string `mapstructure:"editor_language" toml:"editor_language"`
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	CSRFHeader string `mapstructure:"csrf_header" toml:"csrf_header"`
}

// ConfigDir returns the config directory path.
// Resolution order: $WANDLET_CONFIG_DIR > $XDG_CONFIG_HOME/wandlet > ~/.config/wandlet
func ConfigDir() string {
	if dir := os.Getenv("WANDLET_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "wandlet")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "wandlet-config")
	}
	return filepath.Join(home, ".config", "wandlet")
}

// SettingsPath returns the full path to the settings file.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.toml")
}

// PromptsPath returns the prompt catalog path used when settings name none.
func PromptsPath(s *Settings) string {
	if s != nil && s.PromptsPath != "" {
		return s.PromptsPath
	}
	return filepath.Join(ConfigDir(), "prompts.toml")
}

// IndexDir returns the directory holding saved page indexes.
func IndexDir(s *Settings) string {
	if s != nil && s.Index.Dir != "" {
		return s.Index.Dir
	}
	return filepath.Join(ConfigDir(), "indexes")
}

// ImagesDir returns the directory images are looked up in by id.
func ImagesDir(s *Settings) string {
	if s != nil && s.Images.Dir != "" {
		return s.Images.Dir
	}
	return filepath.Join(ConfigDir(), "images")
}

// DefaultSettings returns the settings from the embedded default_settings.toml.
func DefaultSettings() *Settings {
	var s Settings
	if _, err := toml.Decode(string(defaults.DefaultSettingsTOML), &s); err != nil {
		panic("wandlet: invalid embedded default_settings.toml: " + err.Error())
	}
	return &s
}

// LoadSettings reads the settings file at path, falling back to defaults when
// it does not exist. ${VAR} references are expanded from the environment.
func LoadSettings(path string) (*Settings, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return finishSettings(DefaultSettings())
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}
	return decodeSettings(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(path)
	return v
}

func decodeSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	applyDefaults(&s)
	return finishSettings(&s)
}

// applyDefaults fills fields the user left empty.
func applyDefaults(s *Settings) {
	d := DefaultSettings()
	if s.Version == 0 {
		s.Version = d.Version
	}
	if s.Listen == "" {
		s.Listen = d.Listen
	}
	if s.Backend.Type == "" {
		s.Backend.Type = d.Backend.Type
	}
	if s.Backend.BaseURL == "" {
		s.Backend.BaseURL = d.Backend.BaseURL
	}
	if s.Backend.APIKey == "" {
		s.Backend.APIKey = d.Backend.APIKey
	}
	if s.Backend.Model == "" {
		s.Backend.Model = d.Backend.Model
	}
	if s.Backend.MaxTokens == 0 {
		s.Backend.MaxTokens = d.Backend.MaxTokens
	}
	if s.Backend.Temperature == 0 {
		s.Backend.Temperature = d.Backend.Temperature
	}
	if s.Embedding.Type == "" {
		s.Embedding.Type = d.Embedding.Type
	}
	if s.Embedding.BaseURL == "" {
		s.Embedding.BaseURL = d.Embedding.BaseURL
	}
	if s.Embedding.APIKey == "" {
		s.Embedding.APIKey = d.Embedding.APIKey
	}
	if s.Embedding.Model == "" {
		s.Embedding.Model = d.Embedding.Model
	}
	if s.Embedding.Dimensions == 0 {
		s.Embedding.Dimensions = d.Embedding.Dimensions
	}
	if s.Embedding.CacheTTLMinutes == 0 {
		s.Embedding.CacheTTLMinutes = d.Embedding.CacheTTLMinutes
	}
	if s.Index.ChunkSize == 0 {
		s.Index.ChunkSize = d.Index.ChunkSize
	}
	if s.Index.MaxLimit == 0 {
		s.Index.MaxLimit = d.Index.MaxLimit
	}
	if s.Images.MaxLength == 0 {
		s.Images.MaxLength = d.Images.MaxLength
	}
	if s.Feedback.ContentType == "" {
		s.Feedback.ContentType = d.Feedback.ContentType
	}
	if s.Feedback.EditorLanguage == "" {
		s.Feedback.EditorLanguage = d.Feedback.EditorLanguage
	}
	if s.Server.CSRFHeader == "" {
		s.Server.CSRFHeader = d.Server.CSRFHeader
	}
}

func finishSettings(s *Settings) (*Settings, error) {
	fields := []*string{
		&s.PromptsPath,
		&s.Backend.BaseURL, &s.Backend.APIKey,
		&s.Embedding.BaseURL, &s.Embedding.APIKey,
		&s.Index.Dir, &s.Images.Dir,
	}
	for _, f := range fields {
		expanded, err := ExpandEnv(*f)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", *f, err)
		}
		*f = expanded
	}
	return s, nil
}

// ExpandEnv expands $VAR and ${VAR} references using shell rules.
// Unset variables expand to the empty string.
func ExpandEnv(value string) (string, error) {
	if !strings.Contains(value, "$") {
		return value, nil
	}
	word, err := syntax.NewParser().Document(strings.NewReader(value))
	if err != nil {
		return "", err
	}
	cfg := &expand.Config{Env: expand.ListEnviron(os.Environ()...)}
	return expand.Document(cfg, word)
}

// ValidateSettings checks settings for potential issues and returns warnings.
func ValidateSettings(s *Settings) []string {
	var warnings []string
	if s == nil {
		return warnings
	}
	if s.Backend.Type == "openai" && ResolveBackendAPIKey(s) == "" {
		warnings = append(warnings, "backend type is openai but no API key is configured")
	}
	if s.Embedding.Type == "api" && ResolveEmbeddingAPIKey(s) == "" {
		warnings = append(warnings, "embedding type is api but no API key is configured; similar content is unavailable")
	}
	switch s.Feedback.ContentType {
	case "html", "text":
	default:
		warnings = append(warnings, "feedback content_type must be html or text, got "+s.Feedback.ContentType)
	}
	return warnings
}

// ResolveListen returns the daemon listen address.
// Priority: $WANDLET_LISTEN env > settings value.
func ResolveListen(s *Settings) string {
	if addr := os.Getenv("WANDLET_LISTEN"); addr != "" {
		return addr
	}
	if s != nil {
		return s.Listen
	}
	return ""
}

// ResolveBackendBaseURL returns the generation API base URL.
// Priority: $WANDLET_BACKEND_BASE_URL env > settings value.
func ResolveBackendBaseURL(s *Settings) string {
	if url := os.Getenv("WANDLET_BACKEND_BASE_URL"); url != "" {
		return url
	}
	if s != nil {
		return s.Backend.BaseURL
	}
	return ""
}

// ResolveBackendAPIKey returns the generation API key.
// Priority: $WANDLET_BACKEND_API_KEY env > settings value.
func ResolveBackendAPIKey(s *Settings) string {
	if key := os.Getenv("WANDLET_BACKEND_API_KEY"); key != "" {
		return key
	}
	if s != nil {
		return s.Backend.APIKey
	}
	return ""
}

// ResolveBackendModel returns the generation model name.
// Priority: $WANDLET_BACKEND_MODEL env > settings value.
func ResolveBackendModel(s *Settings) string {
	if model := os.Getenv("WANDLET_BACKEND_MODEL"); model != "" {
		return model
	}
	if s != nil {
		return s.Backend.Model
	}
	return ""
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $WANDLET_EMBEDDING_BASE_URL env > settings value.
func ResolveEmbeddingBaseURL(s *Settings) string {
	if url := os.Getenv("WANDLET_EMBEDDING_BASE_URL"); url != "" {
		return url
	}
	if s != nil {
		return s.Embedding.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $WANDLET_EMBEDDING_API_KEY env > settings value.
func ResolveEmbeddingAPIKey(s *Settings) string {
	if key := os.Getenv("WANDLET_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if s != nil {
		return s.Embedding.APIKey
	}
	return ""
}

// SettingsManager holds the current settings and reloads them when the file changes.
type SettingsManager struct {
	path  string
	viper *viper.Viper

	mu        sync.RWMutex
	settings  *Settings
	callbacks []func(*Settings)
}

// NewSettingsManager loads the settings at path.
func NewSettingsManager(path string) (*SettingsManager, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return &SettingsManager{path: path, viper: newViper(path), settings: s}, nil
}

// Get returns the current settings.
func (m *SettingsManager) Get() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// OnChange registers a callback for settings changes.
func (m *SettingsManager) OnChange(fn func(*Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Watch reloads the settings whenever the file is written. It does nothing
// when the file does not exist yet.
func (m *SettingsManager) Watch() {
	if _, err := os.Stat(m.path); err != nil {
		slog.Debug("settings file not present, not watching", "path", m.path)
		return
	}
	if err := m.viper.ReadInConfig(); err != nil {
		slog.Warn("failed to read settings for watching", "error", err)
		return
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		s, err := decodeSettings(m.viper)
		if err != nil {
			slog.Warn("ignoring invalid settings change", "path", e.Name, "error", err)
			return
		}
		m.set(s)
	})
	m.viper.WatchConfig()
}

// Reload re-reads the settings file and notifies callbacks.
func (m *SettingsManager) Reload() (*Settings, error) {
	s, err := LoadSettings(m.path)
	if err != nil {
		return nil, err
	}
	m.set(s)
	return s, nil
}

func (m *SettingsManager) set(s *Settings) {
	m.mu.Lock()
	m.settings = s
	callbacks := make([]func(*Settings), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	slog.Info("settings reloaded", "path", m.path)
	for _, fn := range callbacks {
		fn(s)
	}
}

// EncodeSettings renders settings as TOML.
func EncodeSettings(s *Settings) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
