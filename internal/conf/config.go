// config.go: settings struct and functions to load and save the
// application configuration.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFiles embed.FS

// LogConfig describes rotation for file-backed service logs.
type LogConfig struct {
	Enabled    bool   // true to enable file logging
	Path       string // directory for service log files
	MaxSizeMB  int    // rotate after this size
	MaxBackups int    // rotated files to keep
	MaxAgeDays int    // prune rotated files older than this
}

// MainSettings contains top-level application settings.
type MainSettings struct {
	Name string    // node name, used to identify this deployment
	Log  LogConfig // file logging configuration
}

// HysteresisSettings are the fixed-threshold evaluator constants. Distinct
// start/stop thresholds avoid rapid flapping between states.
type HysteresisSettings struct {
	StartLevel float64 // mean audio level to start recording
	StopLevel  float64 // mean audio level below which recording stops
	StopWindow int     // number of newest samples considered on the stop side
}

// DetectorSettings controls the conversation window evaluator and the
// recording session state machine.
type DetectorSettings struct {
	Evaluator          string  // "window" (multi-heuristic, default) or "hysteresis"
	SegmentSeconds     float64 // rolling evaluation window length
	MinWindowSpanRatio float64 // minimum window span as a fraction of SegmentSeconds
	LegibleAudioLevel  float64 // minimum audio level for a legible frame
	LegibleHintScore   float64 // minimum best speaker-hint score for a legible frame
	SeedWeight         float64 // per-hint weight when seeding session speaker windows
	RetainAudio        float64 // smoothing retain weight for audio-origin hints
	RetainVisual       float64 // smoothing retain weight for visual-high-confidence hints
	Hysteresis         HysteresisSettings
}

// ServiceEndpoint is one external collaborator service.
type ServiceEndpoint struct {
	URL     string        // base URL of the service
	Timeout time.Duration // per-request timeout
}

// ServicesSettings lists the external transcription/diarization and
// embedding collaborators.
type ServicesSettings struct {
	Diarizer ServiceEndpoint
	Embedder ServiceEndpoint
}

// PipelineSettings controls the conversation processing pipeline.
type PipelineSettings struct {
	Workers              int     // concurrent pipeline workers
	QueueSize            int     // bounded handoff queue capacity
	MinGroupMS           int     // skip speaker groups shorter than this
	MatchThreshold       float64 // cosine similarity threshold for speaker matching
	CentroidAlpha        float64 // EMA weight for centroid updates
	Language             string  // language hint passed to the diarizer
	PreferredPartnerName string  // optional display name for the dominant unnamed speaker
}

// ClipSettings controls attached audio clip storage.
type ClipSettings struct {
	Path          string // directory for attached session clips
	MaxPerSession int    // oldest clips are evicted beyond this count
}

// MQTTSettings contains settings for optional MQTT integration.
type MQTTSettings struct {
	Enabled  bool   // true to enable MQTT
	Broker   string // MQTT broker URL
	Topic    string // topic for session lifecycle events
	Username string // MQTT username
	Password string // MQTT password
}

// RealtimeSettings groups everything the running detector needs.
type RealtimeSettings struct {
	Detector DetectorSettings
	Pipeline PipelineSettings
	Services ServicesSettings
	Clips    ClipSettings
	MQTT     MQTTSettings
}

// WebServerSettings contains settings for the HTTP API.
type WebServerSettings struct {
	Enabled bool   // true to enable the API server
	Debug   bool   // true to enable API debug logging
	Port    string // port to listen on
}

// OutputSettings selects and configures the database backend.
type OutputSettings struct {
	SQLite struct {
		Enabled bool   // true to enable SQLite
		Path    string // path to database file
	}
	MySQL struct {
		Enabled  bool   // true to enable MySQL
		Username string // MySQL username
		Password string // MySQL password
		Database string // MySQL database name
		Host     string // MySQL host
		Port     string // MySQL port
	}
}

// Settings is the root configuration struct.
type Settings struct {
	Debug bool // true to enable debug behavior globally

	Main      MainSettings
	Realtime  RealtimeSettings
	WebServer WebServerSettings
	Output    OutputSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration into a Settings struct and stores it as the
// package-level instance returned by Setting.
func Load() (*Settings, error) {
	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// Setting returns the current settings instance, loading it on first use.
func Setting() *Settings {
	settingsMutex.RLock()
	if settingsInstance != nil {
		defer settingsMutex.RUnlock()
		return settingsInstance
	}
	settingsMutex.RUnlock()

	if _, err := Load(); err != nil {
		return &Settings{}
	}
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// initViper initializes viper with defaults and reads the configuration
// file, creating a default one if none exists.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err = viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded default config.yaml to the first
// config path and loads it.
func createDefaultConfig(configPath string) error {
	defaultConfig, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded default config: %w", err)
	}

	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	configFilePath := filepath.Join(configPath, "config.yaml")
	if err := os.WriteFile(configFilePath, defaultConfig, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the list of directories searched for
// config.yaml, user config directory first, working directory last.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{}
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userConfigDir, "earshot-go"))
	}
	paths = append(paths, ".")
	return paths, nil
}

// SaveYAML serializes settings to the given path.
func SaveYAML(settings *Settings, path string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing settings: %w", err)
	}
	return nil
}
