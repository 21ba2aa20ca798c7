package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aifoundry-org/cardice/pkg/util"
)

// Profile names the provider, image and size used to create nodes. Empty
// Image or Size means the first entry of the provider catalog.
type Profile struct {
	Name     string            `yaml:"-"`
	Provider string            `yaml:"provider"`
	Image    string            `yaml:"image,omitempty"`
	Size     string            `yaml:"size,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// LoadProfiles reads a profiles document. A missing file yields no profiles
// and no error.
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := util.LoadFileAllowMissing(path)
	if err != nil {
		return nil, err
	}
	profiles := map[string]Profile{}
	if len(data) == 0 {
		return profiles, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&profiles); err != nil {
		if errors.Is(err, io.EOF) {
			return profiles, nil
		}
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	for name, p := range profiles {
		if p.Provider == "" {
			return nil, pkgerrors.WithStack(&ProfileError{Err: ErrInvalidProfile, Profile: name, Path: path})
		}
		p.Name = name
		profiles[name] = p
	}
	return profiles, nil
}

// Profiles returns the global profiles overridden by the profiles of the
// active cluster. The override is by name: a cluster profile replaces the
// whole global profile of the same name.
func (w *Workspace) Profiles() (map[string]Profile, error) {
	globalPath := filepath.Join(w.root, profilesFile)
	all, err := LoadProfiles(globalPath)
	if err != nil {
		return nil, err
	}
	if len(all) > 0 {
		w.Logger().Debugf("read %d profiles from %s", len(all), globalPath)
	}

	folder, err := w.ClusterFolder()
	switch {
	case errors.Is(err, ErrNoActiveCluster):
		return all, nil
	case err != nil:
		return nil, err
	}
	clusterPath := filepath.Join(folder, profilesFile)
	local, err := LoadProfiles(clusterPath)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 {
		w.Logger().Debugf("read %d cluster profiles from %s", len(local), clusterPath)
	}
	for name, p := range local {
		all[name] = p
	}
	return all, nil
}

// Profile resolves a single profile by name.
func (w *Workspace) Profile(name string) (Profile, error) {
	all, err := w.Profiles()
	if err != nil {
		return Profile{}, err
	}
	if len(all) == 0 {
		return Profile{}, pkgerrors.WithStack(&ProfileError{Err: ErrNoProfiles, Profile: name, Path: w.root})
	}
	p, ok := all[name]
	if !ok {
		return Profile{}, pkgerrors.WithStack(&ProfileError{
			Err:       ErrProfileNotFound,
			Profile:   name,
			Path:      w.root,
			Available: sortedNames(all),
		})
	}
	return p, nil
}

func sortedNames(profiles map[string]Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
