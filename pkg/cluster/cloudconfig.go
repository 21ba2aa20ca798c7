package cluster

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const cloudConfigHeader = "#cloud-config\n"

type CloudConfig struct {
	Hostname           string   `yaml:"hostname,omitempty"`
	ManageEtcHosts     bool     `yaml:"manage_etc_hosts,omitempty"`
	Packages           []string `yaml:"packages,omitempty"`
	Users              []User   `yaml:"users,omitempty"`
	SSHPWAuth          bool     `yaml:"ssh_pwauth"`            // disables password logins
	DisableRoot        bool     `yaml:"disable_root"`          // ensure root isn't disabled
	AllowPublicSSHKeys bool     `yaml:"allow_public_ssh_keys"` // allow public SSH keys
}

type User struct {
	Name              string   `yaml:"name"`
	Shell             string   `yaml:"shell,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh-authorized-keys,omitempty"`
}

// GenerateCloudConfig renders the user data of a node: root logs in with the
// cluster key only, and python3 is installed for salt-ssh.
func GenerateCloudConfig(hostname string, authorizedKeys []string) (string, error) {
	cfg := CloudConfig{
		Hostname:           hostname,
		ManageEtcHosts:     hostname != "",
		Packages:           []string{"python3"},
		SSHPWAuth:          false,
		DisableRoot:        false,
		AllowPublicSSHKeys: true,
	}
	if len(authorizedKeys) > 0 {
		cfg.Users = []User{{
			Name:              "root",
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: authorizedKeys,
		}}
	}
	var buf bytes.Buffer
	buf.WriteString(cloudConfigHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to marshal cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal cloud-config: %w", err)
	}
	return buf.String(), nil
}
