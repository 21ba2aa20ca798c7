// Package oxide reads the configuration files written by the oxide CLI, so that
// a cluster can reuse an existing oxide login.
package oxide

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

const (
	defaultConfigDir string = ".config/oxide"
	configFile       string = "config.toml"
	credentialsFile  string = "credentials.toml"
)

// Credentials returns the host and token of an oxide CLI profile. An empty
// configDir means ~/.config/oxide, an empty profile means the default profile
// from config.toml.
func Credentials(configDir, profile string) (host, token string, err error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("unable to find user's home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, defaultConfigDir)
	}

	if profile == "" {
		configPath := filepath.Join(configDir, configFile)
		profile, err = defaultProfile(configPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to get default profile from %q: %w", configPath, err)
		}
	}

	credentialsPath := filepath.Join(configDir, credentialsFile)
	host, token, err = parseCredentialsFile(credentialsPath, profile)
	if err != nil {
		return "", "", fmt.Errorf("failed to get credentials for profile %q from %q: %w", profile, credentialsPath, err)
	}
	return host, token, nil
}

// defaultProfile returns the default profile from config.toml, if present.
func defaultProfile(configPath string) (string, error) {
	tree, err := toml.LoadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to open config: %w", err)
	}

	if profileName, ok := tree.Get("default-profile").(string); ok && profileName != "" {
		return profileName, nil
	}

	return "", errors.New("no default profile set")
}

// parseCredentialsFile parses a credentials.toml and returns the host and token
// of the requested profile.
func parseCredentialsFile(credentialsPath, profileName string) (string, string, error) {
	tree, err := toml.LoadFile(credentialsPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to open %q: %w", credentialsPath, err)
	}

	profile, ok := tree.Get("profile." + profileName).(*toml.Tree)
	if !ok {
		return "", "", fmt.Errorf("profile %q not found", profileName)
	}

	var errs []error
	host, ok := profile.Get("host").(string)
	if !ok {
		errs = append(errs, errors.New("host not found"))
	}
	token, ok := profile.Get("token").(string)
	if !ok {
		errs = append(errs, errors.New("token not found"))
	}

	return host, token, errors.Join(errs...)
}
