package config

import (
	"os"
	"path/filepath"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".sandkit"), nil
}

// GetCacheDir returns the root directory under which resolved archives are
// extracted and kept content-addressed. Separate from the config dir so the
// (potentially large) rootfs cache can be pointed at a different disk.
func GetCacheDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".cache", "sandkit", "rootfs"), nil
}

func GetProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up directory tree to find .git or .sandkit directory
	dir := wd
	for {
		sandkitDir := filepath.Join(dir, ".sandkit")
		if _, err := os.Stat(sandkitDir); err == nil {
			return dir, nil
		}

		gitDir := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitDir); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root directory, use current working directory
			return wd, nil
		}
		dir = parent
	}
}

func EnsureConfigDirs(userConfigDir, projectDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	projectConfigDir := filepath.Join(projectDir, ".sandkit")
	if err := os.MkdirAll(projectConfigDir, 0755); err != nil {
		return err
	}

	return nil
}
