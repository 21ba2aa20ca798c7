package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aifoundry-org/cardice/pkg/credentials"
	cardicelog "github.com/aifoundry-org/cardice/pkg/log"
	"github.com/aifoundry-org/cardice/pkg/util"
)

const (
	// DefaultRoot is the configuration root used when none is given.
	DefaultRoot = "~/.cardice"

	defaultClusterFile = "default_cluster"
	profilesFile       = "profiles.yaml"
)

var validClusterName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Cluster is a named cluster configuration under the root folder.
type Cluster struct {
	Name      string
	Folder    string
	IsDefault bool
}

// Workspace is the configuration root as seen by a single command invocation.
// It carries the explicitly requested cluster, if any, and caches the default
// cluster marker to limit filesystem access. Workspaces are never shared
// between invocations.
type Workspace struct {
	root     string
	explicit string
	logger   *log.Entry

	mu       sync.Mutex
	cached   string
	isCached bool
}

// Open prepares the configuration root, creating it with the default profiles
// if it does not exist yet. explicitCluster, when set, takes precedence over the
// persisted default cluster.
func Open(root, explicitCluster string, logger *log.Entry) (*Workspace, error) {
	if root == "" {
		root = DefaultRoot
	}
	p, err := util.ExpandPath(root)
	if err != nil {
		return nil, fmt.Errorf("failed to expand configuration root %s: %w", root, err)
	}
	exists, err := util.Exists(p)
	if err != nil {
		return nil, fmt.Errorf("failed to check configuration root %s: %w", p, err)
	}
	if !exists {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create configuration root %s: %w", p, err)
		}
		if err := util.SaveFileAtomic(filepath.Join(p, profilesFile), DefaultProfiles(), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default profiles: %w", err)
		}
	}
	w := &Workspace{
		root:     p,
		explicit: explicitCluster,
		logger:   logger,
	}
	w.Logger().Debugf("initialized configuration in: %s", p)
	return w, nil
}

// Root is the absolute configuration root folder.
func (w *Workspace) Root() string {
	return w.root
}

// Logger returns a logger tagged with the active cluster.
func (w *Workspace) Logger() *log.Entry {
	name, _ := w.ActiveCluster(false)
	return cardicelog.WithCluster(w.logger, name)
}

// ActiveCluster returns the explicitly requested cluster if there is one, the
// persisted default cluster otherwise, or "" if neither exists. The marker is
// cached unless forceRefresh is set.
func (w *Workspace) ActiveCluster(forceRefresh bool) (string, error) {
	if w.explicit != "" {
		return w.explicit, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isCached && !forceRefresh {
		return w.cached, nil
	}
	name, err := w.readMarker()
	if err != nil {
		return "", err
	}
	w.cached, w.isCached = name, true
	return name, nil
}

func (w *Workspace) readMarker() (string, error) {
	data, err := util.LoadFileAllowMissing(filepath.Join(w.root, defaultClusterFile))
	if err != nil {
		return "", fmt.Errorf("failed to read default cluster: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// InitCluster creates a new cluster folder, selects it as the default cluster
// and generates its key pair.
func (w *Workspace) InitCluster(name string) (*Cluster, error) {
	if !validClusterName.MatchString(name) {
		return nil, pkgerrors.WithStack(&ConfigError{Err: ErrInvalidName, Cluster: name})
	}
	folder := w.folderOf(name)
	// Mkdir rather than MkdirAll, so that a concurrent init of the same name fails
	if err := os.Mkdir(folder, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, pkgerrors.WithStack(&ConfigError{Err: ErrAlreadyExists, Cluster: name, Path: folder})
		}
		return nil, fmt.Errorf("failed to create cluster folder %s: %w", folder, err)
	}
	if err := w.SetDefaultCluster(name); err != nil {
		return nil, err
	}
	kp, err := credentials.LoadOrCreateKeyPair(folder, name, credentials.DefaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to create key pair for cluster %s: %w", name, err)
	}
	w.Logger().WithField("key", kp.PrivateKeyPath).Info("initialized cluster")
	return &Cluster{Name: name, Folder: folder, IsDefault: true}, nil
}

// SetDefaultCluster persists name as the default cluster. It is a no-op if
// name is already the default.
func (w *Workspace) SetDefaultCluster(name string) error {
	if !validClusterName.MatchString(name) {
		return pkgerrors.WithStack(&ConfigError{Err: ErrInvalidName, Cluster: name})
	}
	exists, err := util.Exists(w.folderOf(name))
	if err != nil {
		return fmt.Errorf("failed to check cluster folder: %w", err)
	}
	if !exists {
		return pkgerrors.WithStack(&ConfigError{Err: ErrClusterNotFound, Cluster: name, Path: w.root})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	current, err := w.readMarker()
	if err != nil {
		return err
	}
	if current == name {
		w.cached, w.isCached = name, true
		return nil
	}
	if err := util.SaveFileAtomic(filepath.Join(w.root, defaultClusterFile), []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to save default cluster: %w", err)
	}
	w.cached, w.isCached = name, true
	cardicelog.WithCluster(w.logger, name).Debug("selected new default cluster")
	return nil
}

// ClusterFolder returns the folder of the active cluster.
func (w *Workspace) ClusterFolder() (string, error) {
	name, err := w.ActiveCluster(false)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", pkgerrors.WithStack(&ConfigError{Err: ErrNoActiveCluster, Path: w.root})
	}
	folder := w.folderOf(name)
	exists, err := util.Exists(folder)
	if err != nil {
		return "", fmt.Errorf("failed to check cluster folder: %w", err)
	}
	if !exists {
		return "", pkgerrors.WithStack(&ConfigError{Err: ErrClusterFolderMissing, Cluster: name, Path: folder})
	}
	return folder, nil
}

// Clusters lists the cluster folders under the root, sorted by name.
func (w *Workspace) Clusters() ([]Cluster, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	def, err := w.ActiveCluster(true)
	if err != nil {
		return nil, err
	}
	var clusters []Cluster
	for _, e := range entries {
		if !e.IsDir() || !validClusterName.MatchString(e.Name()) {
			continue
		}
		clusters = append(clusters, Cluster{
			Name:      e.Name(),
			Folder:    w.folderOf(e.Name()),
			IsDefault: e.Name() == def,
		})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Name < clusters[j].Name })
	return clusters, nil
}

// KeyPair loads, or creates on first use, the key pair of the active cluster.
func (w *Workspace) KeyPair() (*credentials.KeyPair, error) {
	folder, err := w.ClusterFolder()
	if err != nil {
		return nil, err
	}
	name, _ := w.ActiveCluster(false)
	return credentials.LoadOrCreateKeyPair(folder, name, credentials.DefaultKeyBits)
}

func (w *Workspace) folderOf(name string) string {
	return filepath.Join(w.root, name)
}
