// Package dummy is an in-memory provider for dry runs. Nodes live as long as
// the process and are shared by every driver built with the same key, so a
// roster written by one cardice invocation refers to nodes the next one has
// never seen. Stopping or destroying such a node succeeds.
package dummy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aifoundry-org/cardice/pkg/credentials"
	"github.com/aifoundry-org/cardice/pkg/provider"
)

// Name is the provider identifier used in profiles.
const Name = "dummy"

func init() {
	provider.Register(Name, New)
}

var (
	cloudsMu sync.Mutex
	clouds   = map[string]*cloud{}
)

type cloud struct {
	mu     sync.Mutex
	nextID int
	nodes  map[string]*provider.Node
}

func cloudFor(key string) *cloud {
	cloudsMu.Lock()
	defer cloudsMu.Unlock()
	c, ok := clouds[key]
	if !ok {
		c = &cloud{nodes: map[string]*provider.Node{}}
		clouds[key] = c
	}
	return c
}

// Driver implements provider.Driver, provider.Stopper and provider.Destroyer.
type Driver struct {
	cloud *cloud
}

// New builds a dummy driver. The credential key selects the in-memory cloud.
func New(creds credentials.Credentials, _ map[string]string) (provider.Driver, error) {
	return &Driver{cloud: cloudFor(creds.Key)}, nil
}

func (d *Driver) ListImages(_ context.Context) ([]provider.Image, error) {
	return []provider.Image{
		{ID: "img-1", Name: "debian-12"},
		{ID: "img-2", Name: "ubuntu-24.04"},
	}, nil
}

func (d *Driver) ListSizes(_ context.Context) ([]provider.Size, error) {
	return provider.StandardSizes, nil
}

func (d *Driver) CreateNode(_ context.Context, spec provider.NodeSpec) (*provider.Node, error) {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	d.cloud.nextID++
	id := d.cloud.nextID
	node := &provider.Node{
		Name:          spec.Name,
		ID:            fmt.Sprintf("dummy-%d", id),
		PublicAddress: fmt.Sprintf("127.0.0.%d", id%250+1),
		State:         provider.StateRunning,
	}
	d.cloud.nodes[node.ID] = node
	out := *node
	return &out, nil
}

func (d *Driver) WaitUntilRunning(ctx context.Context, nodes []provider.Node, timeout time.Duration) ([]provider.Node, error) {
	running := make([]provider.Node, 0, len(nodes))
	err := provider.WaitFor(ctx, 10*time.Millisecond, timeout, func(context.Context) (bool, error) {
		running = running[:0]
		d.cloud.mu.Lock()
		defer d.cloud.mu.Unlock()
		for _, n := range nodes {
			current, ok := d.cloud.nodes[n.ID]
			if !ok || current.State != provider.StateRunning {
				return false, nil
			}
			running = append(running, *current)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return running, nil
}

func (d *Driver) ListNodes(_ context.Context) ([]provider.Node, error) {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	nodes := make([]provider.Node, 0, len(d.cloud.nodes))
	for _, n := range d.cloud.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

func (d *Driver) StopNode(_ context.Context, node provider.Node) error {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	if current, ok := d.cloud.nodes[node.ID]; ok {
		current.State = provider.StateStopped
	}
	return nil
}

func (d *Driver) DestroyNode(_ context.Context, node provider.Node) error {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	delete(d.cloud.nodes, node.ID)
	return nil
}
