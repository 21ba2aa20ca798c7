package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidName          = errors.New("invalid cluster name")
	ErrAlreadyExists        = errors.New("cluster already exists")
	ErrClusterNotFound      = errors.New("cluster not found")
	ErrNoActiveCluster      = errors.New("no active cluster")
	ErrClusterFolderMissing = errors.New("cluster folder missing")

	ErrNoProfiles      = errors.New("no profiles found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
)

var _ error = &ConfigError{}

// ConfigError reports a problem with the cluster configuration folder.
// Err is one of the cluster sentinel errors above.
type ConfigError struct {
	Err     error
	Cluster string
	Path    string
}

func (e *ConfigError) Error() string {
	switch e.Err {
	case ErrInvalidName:
		return fmt.Sprintf("invalid cluster name %q: must match %s", e.Cluster, validClusterName)
	case ErrAlreadyExists:
		return fmt.Sprintf("cluster %q already configured in %s", e.Cluster, e.Path)
	case ErrClusterNotFound:
		return fmt.Sprintf("cluster configuration %q does not exist in %s", e.Cluster, e.Path)
	case ErrNoActiveCluster:
		return fmt.Sprintf("no active cluster: none selected in %s and none given explicitly", e.Path)
	case ErrClusterFolderMissing:
		return fmt.Sprintf("cluster configuration folder for %q not found: %s", e.Cluster, e.Path)
	}
	return fmt.Sprintf("cluster %q: %v", e.Cluster, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var _ error = &ProfileError{}

// ProfileError reports a missing or malformed profile. Available lists every
// profile name that could have been used instead.
type ProfileError struct {
	Err       error
	Profile   string
	Path      string
	Available []string
}

func (e *ProfileError) Error() string {
	switch e.Err {
	case ErrNoProfiles:
		return fmt.Sprintf("could not find any profile definition in %s", e.Path)
	case ErrProfileNotFound:
		return fmt.Sprintf("no such profile %q, available profiles: %s", e.Profile, strings.Join(e.Available, ", "))
	case ErrInvalidProfile:
		return fmt.Sprintf("invalid profile %q in %s: provider is required", e.Profile, e.Path)
	}
	return fmt.Sprintf("profile %q: %v", e.Profile, e.Err)
}

func (e *ProfileError) Unwrap() error {
	return e.Err
}
