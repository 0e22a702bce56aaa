package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	profileEnv         = "ESCROWCTL_PROFILE"
	defaultRPCURL      = "http://localhost:8547"
	defaultProfileName = ".escrowctl.yaml"
)

// Profile holds the operator settings persisted between invocations.
type Profile struct {
	RPCURL   string `yaml:"rpc_url"`
	Keystore string `yaml:"keystore,omitempty"`
}

func defaultProfilePath() string {
	if v := strings.TrimSpace(os.Getenv(profileEnv)); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultProfileName
	}
	return filepath.Join(home, defaultProfileName)
}

// loadProfile reads the YAML profile at path. A missing file yields defaults.
func loadProfile(path string) (Profile, error) {
	profile := Profile{RPCURL: defaultRPCURL}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return profile, nil
	}
	if err != nil {
		return profile, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", path, err)
	}
	if strings.TrimSpace(profile.RPCURL) == "" {
		profile.RPCURL = defaultRPCURL
	}
	return profile, nil
}

func saveProfile(path string, profile Profile) error {
	data, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
