package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
)

// backupGenerations is how many rotated copies Save keeps next to the file.
const backupGenerations = 3

// Marshal renders cfg as TOML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Save writes cfg to configPath as TOML, rotating the previous file into
// .back1, .back2 and .back3 first.
func Save(configPath string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config %s", configPath)
	}
	return nil
}

// createBackup rotates .backN files and copies the current file to .back1.
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	oldest := backupName(configPath, backupGenerations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		// Not fatal for the save itself
		logger.Logger.Warnw("Failed to delete old config backup", "file", oldest, "error", err)
	}

	for n := backupGenerations - 1; n >= 1; n-- {
		from := backupName(configPath, n)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, backupName(configPath, n+1)); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", from)
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(backupName(configPath, 1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func backupName(configPath string, n int) string {
	return fmt.Sprintf("%s.back%d", configPath, n)
}
