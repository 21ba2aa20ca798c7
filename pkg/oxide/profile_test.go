package oxide

import (
	"os"
	"path/filepath"
	"testing"
)

const testCredentials = `
[profile.default]
host = "https://oxide.example.com"
token = "oxide-token-1"
user = "someone"

[profile.lab]
host = "https://lab.example.com"
token = "oxide-token-2"

[profile.broken]
host = "https://broken.example.com"
`

func writeConfig(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, credentialsFile), []byte(testCredentials), 0o600); err != nil {
		t.Fatal(err)
	}
	if config != "" {
		if err := os.WriteFile(filepath.Join(dir, configFile), []byte(config), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCredentials(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		profile string
		host    string
		token   string
		wantErr bool
	}{
		{"explicit", "", "lab", "https://lab.example.com", "oxide-token-2", false},
		{"default-profile", `default-profile = "default"`, "", "https://oxide.example.com", "oxide-token-1", false},
		{"no-config", "", "", "", "", true},
		{"no-default", `something = "else"`, "", "", "", true},
		{"unknown", "", "missing", "", "", true},
		{"missing-token", "", "broken", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.config)
			host, token, err := Credentials(dir, tt.profile)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got host %q token %q", host, token)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if host != tt.host || token != tt.token {
				t.Errorf("got (%q, %q), want (%q, %q)", host, token, tt.host, tt.token)
			}
		})
	}
}
