package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds engine-level defaults. Values set here are overridden by
// whatever a caller passes explicitly to sandbox.New, so every field is
// optional and the zero value means "use the built-in default".
type Config struct {
	// Cache Settings
	CacheDir string `json:"cache_dir,omitempty"`

	// Default resource limits
	DefaultCPULimit   float64 `json:"default_cpu_limit,omitempty"`
	DefaultMemLimitMB int     `json:"default_mem_limit_mb,omitempty"`
	DefaultMaxFDs     int     `json:"default_max_fds,omitempty"`
	DefaultTimeoutSec int     `json:"default_timeout_sec,omitempty"`

	// Helper binary overrides
	OverlayHelperPath string `json:"overlay_helper_path,omitempty"`
	NetHelperPath     string `json:"net_helper_path,omitempty"`

	// Defaults for isolation/network mode when a caller doesn't specify one
	DefaultIsolation string `json:"default_isolation,omitempty"`
	DefaultNetwork   string `json:"default_network,omitempty"`
}

type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	userConfigPath := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadConfig(userConfigPath, m.userConfig); err != nil {
		return err
	}

	projectConfigPath := filepath.Join(projectDir, ".sandkit", "settings.json")
	if err := m.loadConfig(projectConfigPath, m.projectConfig); err != nil {
		return err
	}

	m.mergeConfigs()

	return nil
}

func (m *Manager) loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Config file doesn't exist, use defaults
		}
		return err
	}

	return json.Unmarshal(data, config)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		CacheDir:          m.getStringValue(m.userConfig.CacheDir, m.projectConfig.CacheDir, ""),
		DefaultCPULimit:   m.getFloatValue(m.userConfig.DefaultCPULimit, m.projectConfig.DefaultCPULimit, 0),
		DefaultMemLimitMB: m.getIntValue(m.userConfig.DefaultMemLimitMB, m.projectConfig.DefaultMemLimitMB, 0),
		DefaultMaxFDs:     m.getIntValue(m.userConfig.DefaultMaxFDs, m.projectConfig.DefaultMaxFDs, 256),
		DefaultTimeoutSec: m.getIntValue(m.userConfig.DefaultTimeoutSec, m.projectConfig.DefaultTimeoutSec, 0),
		OverlayHelperPath: m.getStringValue(m.userConfig.OverlayHelperPath, m.projectConfig.OverlayHelperPath, "fuse-overlayfs"),
		NetHelperPath:     m.getStringValue(m.userConfig.NetHelperPath, m.projectConfig.NetHelperPath, ""),
		DefaultIsolation:  m.getStringValue(m.userConfig.DefaultIsolation, m.projectConfig.DefaultIsolation, "standard"),
		DefaultNetwork:    m.getStringValue(m.userConfig.DefaultNetwork, m.projectConfig.DefaultNetwork, "none"),
	}
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getIntValue(user, project, defaultValue int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) getFloatValue(user, project, defaultValue float64) float64 {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) Get() *Config {
	return m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	configPath := filepath.Join(userConfigDir, "settings.json")

	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	sandkitDir := filepath.Join(projectDir, ".sandkit")
	configPath := filepath.Join(sandkitDir, "settings.json")

	if err := os.MkdirAll(sandkitDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
