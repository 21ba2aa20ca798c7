package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/aifoundry-org/cardice/pkg/credentials"
)

// State is the lifecycle state of a node.
type State string

const (
	StateRequested  State = "requested"
	StateCreating   State = "creating"
	StateRunning    State = "running"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
	StateTerminated State = "terminated"
	StateUnknown    State = "unknown"
)

// Image is a machine image offered by a provider.
type Image struct {
	ID   string
	Name string
	// SizeBytes is the image size, zero when the provider does not report it
	SizeBytes int64
}

// Size is an instance shape offered by a provider.
type Size struct {
	Name     string
	CPUs     int
	MemoryGB int
	DiskGB   int
}

// NodeSpec is everything a driver needs to create one node.
type NodeSpec struct {
	Name  string
	Image Image
	Size  Size
	// UserData is a cloud-config document for drivers that accept one
	UserData string
	// AuthorizedKeys are installed for root by drivers without user data support
	AuthorizedKeys []string
}

// Node is a compute resource as reported by a provider.
type Node struct {
	Name          string
	ID            string
	PublicAddress string
	State         State
}

// Driver creates and queries nodes against one provider API. A Driver is not
// assumed to be safe for concurrent use: callers create one per goroutine.
type Driver interface {
	// CreateNode returns as soon as the provider has acknowledged the creation.
	// A driver that fails after the provider allocated the node returns the
	// node, with its ID set, together with the error.
	CreateNode(ctx context.Context, spec NodeSpec) (*Node, error)
	ListImages(ctx context.Context) ([]Image, error)
	ListSizes(ctx context.Context) ([]Size, error)
	// WaitUntilRunning blocks until every node is running and returns them with
	// refreshed addresses. It gives up after timeout or when ctx is done.
	WaitUntilRunning(ctx context.Context, nodes []Node, timeout time.Duration) ([]Node, error)
	// ListNodes returns every node visible with the driver credentials, not only
	// the nodes of one cluster.
	ListNodes(ctx context.Context) ([]Node, error)
}

// Stopper is implemented by drivers that can power off a node without
// releasing it.
type Stopper interface {
	StopNode(ctx context.Context, node Node) error
}

// Destroyer is implemented by drivers that can release a node and its resources.
type Destroyer interface {
	DestroyNode(ctx context.Context, node Node) error
}

// Factory builds a driver from credentials and profile options. It is called
// once per worker so it must only read its arguments.
type Factory func(creds credentials.Credentials, options map[string]string) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available under name. It panics on duplicates, as
// registration happens from init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("provider %q registered twice", name))
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, pkgerrors.WithStack(&ProviderError{Err: ErrUnknownProvider, Provider: name, Available: names()})
	}
	return factory, nil
}

// New looks up the factory registered under name and builds a driver with it.
func New(name string, creds credentials.Credentials, options map[string]string) (Driver, error) {
	factory, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return factory(creds, options)
}

// Names lists the registered providers.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WaitFor polls check every interval until it reports done, fails, or timeout
// elapses. It is the building block of WaitUntilRunning implementations.
func WaitFor(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
