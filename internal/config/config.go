package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Tape          TapeConfig          `json:"tape"`
	Buffer        BufferConfig        `json:"buffer"`
	Registry      RegistryConfig      `json:"registry"`
	Changer       ChangerConfig       `json:"changer"`
	Robot         RobotConfig         `json:"robot"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Notifications NotificationsConfig `json:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TapeConfig holds tape drive configuration
type TapeConfig struct {
	DevicePath string `json:"device_path"` // non-rewinding device, e.g. /dev/nst0
	SCSIPath   string `json:"scsi_path"`   // generic SCSI device for tapeinfo, e.g. /dev/sg1
	ScratchDir string `json:"scratch_dir"` // per-run tape set and cleaning state files
}

// BufferConfig holds stream buffer configuration
type BufferConfig struct {
	RequestedSize string   `json:"requested_size"` // binary size string, e.g. "2G"
	StagingPath   string   `json:"staging_path"`   // path checked by the disk space gate
	Excludes      []string `json:"excludes"`       // tar exclude patterns
}

// RegistryConfig holds backup catalog configuration
type RegistryConfig struct {
	Path            string `json:"path"`
	ManifestDir     string `json:"manifest_dir"`
	BackupRetention int    `json:"backup_retention"` // registry backup copies to keep
}

// ChangerConfig holds tape change protocol configuration
type ChangerConfig struct {
	PromptTimeoutSec   int `json:"prompt_timeout_sec"`   // fallback wait when no operator input
	InsertWaitSec      int `json:"insert_wait_sec"`      // fallback wait for tape insertion
	CleaningWaitSec    int `json:"cleaning_wait_sec"`    // manual cleaning fallback wait
	RobotCleaningSec   int `json:"robot_cleaning_sec"`   // cleaning cycle duration with a robot
}

// RobotConfig holds tape library robot configuration
type RobotConfig struct {
	Enabled      bool   `json:"enabled"`
	DevicePath   string `json:"device_path"` // changer SCSI device, e.g. /dev/sg3
	CleaningSlot int    `json:"cleaning_slot"`
	DriveIndex   int    `json:"drive_index"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret       string `json:"jwt_secret"`
	TokenExpiration int    `json:"token_expiration"` // hours
}

// NotificationsConfig holds notification configuration
type NotificationsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "/var/lib/tapestream/tapestream.db",
		},
		Tape: TapeConfig{
			DevicePath: "/dev/nst0",
			SCSIPath:   "/dev/sg1",
			ScratchDir: "/var/lib/tapestream/run",
		},
		Buffer: BufferConfig{
			RequestedSize: "2G",
			StagingPath:   "/var/lib/tapestream",
			Excludes:      nil,
		},
		Registry: RegistryConfig{
			Path:            "/var/lib/tapestream/registry.csv",
			ManifestDir:     "/var/lib/tapestream/manifests",
			BackupRetention: 10,
		},
		Changer: ChangerConfig{
			PromptTimeoutSec: 30,
			InsertWaitSec:    5,
			CleaningWaitSec:  30,
			RobotCleaningSec: 60,
		},
		Robot: RobotConfig{
			Enabled:      false,
			DevicePath:   "/dev/sg3",
			CleaningSlot: 1,
			DriveIndex:   0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapestream/tapestream.log",
		},
		Auth: AuthConfig{
			JWTSecret:       "", // Must be set in config file
			TokenExpiration: 24,
		},
		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{
				Enabled:  false,
				BotToken: "",
				ChatID:   "",
			},
		},
	}
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
