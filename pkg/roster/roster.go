// Package roster keeps the durable list of nodes that belong to a cluster.
//
// The file is a salt-ssh roster: one mapping entry per node keyed by name, so
// salt-ssh can target the cluster directly. cardice keeps its own bookkeeping
// under the cardice key of every entry, which salt-ssh ignores.
package roster

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/aifoundry-org/cardice/pkg/provider"
	"github.com/aifoundry-org/cardice/pkg/util"
)

const (
	// DefaultUser is the login used for every node.
	DefaultUser = "root"
	filePerm    = 0o644
)

// Path returns the roster location inside a cluster folder.
func Path(clusterFolder string) string {
	return filepath.Join(clusterFolder, "salt", "roster")
}

// Meta is the cardice bookkeeping stored with every entry.
type Meta struct {
	Provider string         `yaml:"provider"`
	Profile  string         `yaml:"profile"`
	ID       string         `yaml:"id"`
	State    provider.State `yaml:"state"`
}

// Entry is a single roster line.
type Entry struct {
	Name    string `yaml:"-"`
	Host    string `yaml:"host"`
	User    string `yaml:"user"`
	Priv    string `yaml:"priv"`
	Cardice Meta   `yaml:"cardice"`
}

// Node converts the entry back into a provider node.
func (e Entry) Node() provider.Node {
	return provider.Node{
		Name:          e.Name,
		ID:            e.Cardice.ID,
		PublicAddress: e.Host,
		State:         e.Cardice.State,
	}
}

// Roster is safe for concurrent use. Every mutation rewrites the file.
type Roster struct {
	path    string
	keyPath string
	logger  *log.Entry

	mu      sync.Mutex
	entries []Entry
}

// Open loads the roster at path, or starts an empty one when the file does not
// exist yet. keyPath is written as the private key of new entries.
func Open(path, keyPath string, logger *log.Entry) (*Roster, error) {
	data, err := util.LoadFileAllowMissing(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}
	return &Roster{
		path:    path,
		keyPath: keyPath,
		logger:  logger.WithField("component", "roster"),
		entries: entries,
	}, nil
}

// Path returns the roster file location.
func (r *Roster) Path() string {
	return r.path
}

// Origin is the profile a node was created from.
type Origin struct {
	Provider string
	Profile  string
}

// Register records node along with the profile it was created from. A node
// that is already present is updated in place and keeps its position.
func (r *Roster) Register(origin Origin, node provider.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{
		Name: node.Name,
		Host: node.PublicAddress,
		User: DefaultUser,
		Priv: r.keyPath,
		Cardice: Meta{
			Provider: origin.Provider,
			Profile:  origin.Profile,
			ID:       node.ID,
			State:    node.State,
		},
	}
	if i := r.index(node.Name); i >= 0 {
		r.entries[i] = entry
	} else {
		r.entries = append(r.entries, entry)
	}
	r.logger.WithField("node", node.Name).Debugf("registered with state %s", node.State)
	return r.save()
}

// SetState updates the recorded state of name. Unknown names are ignored.
func (r *Roster) SetState(name string, state provider.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(name)
	if i < 0 {
		return nil
	}
	r.entries[i].Cardice.State = state
	return r.save()
}

// Remove drops name from the roster. Removing an absent node is not an error.
func (r *Roster) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(name)
	if i < 0 {
		return nil
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	r.logger.WithField("node", name).Debug("removed")
	return r.save()
}

// Get returns the entry for name.
func (r *Roster) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(name)
	if i < 0 {
		return Entry{}, false
	}
	return r.entries[i], true
}

// List returns a copy of the entries in registration order.
func (r *Roster) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Roster) index(name string) int {
	for i, e := range r.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// save must be called with mu held.
func (r *Roster) save() error {
	data, err := encode(r.entries)
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}
	if err := util.SaveFileAtomic(r.path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write roster: %w", err)
	}
	return nil
}

// decode keeps document order, which a plain map would lose.
func decode(data []byte) ([]Entry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, errors.New("roster must be a mapping of node names")
	}
	entries := make([]Entry, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		var entry Entry
		if err := mapping.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("node %s: %w", mapping.Content[i].Value, err)
		}
		entry.Name = mapping.Content[i].Value
		entries = append(entries, entry)
	}
	return entries, nil
}

func encode(entries []Entry) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range entries {
		value := &yaml.Node{}
		if err := value.Encode(e); err != nil {
			return nil, err
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Name},
			value,
		)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(mapping); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
