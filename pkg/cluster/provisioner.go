// Package cluster launches and manages the nodes of the active cluster.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aifoundry-org/cardice/pkg/config"
	"github.com/aifoundry-org/cardice/pkg/credentials"
	cardicelog "github.com/aifoundry-org/cardice/pkg/log"
	"github.com/aifoundry-org/cardice/pkg/parallel"
	"github.com/aifoundry-org/cardice/pkg/provider"
	"github.com/aifoundry-org/cardice/pkg/roster"
)

// Provisioner runs node operations for the active cluster of a workspace.
type Provisioner struct {
	ws        *config.Workspace
	logger    *log.Entry
	lookupEnv credentials.LookupFunc
	drivers   func(name string) (provider.Factory, error)

	mu    sync.Mutex
	pools []*parallel.Pool
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithLookupEnv replaces the environment used to resolve provider credentials.
func WithLookupEnv(lookup credentials.LookupFunc) Option {
	return func(p *Provisioner) {
		p.lookupEnv = lookup
	}
}

// WithDrivers replaces the provider registry.
func WithDrivers(lookup func(name string) (provider.Factory, error)) Option {
	return func(p *Provisioner) {
		p.drivers = lookup
	}
}

func NewProvisioner(ws *config.Workspace, opts ...Option) *Provisioner {
	p := &Provisioner{
		ws:      ws,
		logger:  ws.Logger().WithField("component", "provisioner"),
		drivers: provider.Lookup,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// backend is everything needed to build drivers for one profile.
type backend struct {
	profile config.Profile
	creds   credentials.Credentials
	factory provider.Factory
}

func (b backend) origin() roster.Origin {
	return roster.Origin{Provider: b.profile.Provider, Profile: b.profile.Name}
}

func (b backend) driver() (provider.Driver, error) {
	return b.factory(b.creds, b.profile.Options)
}

// resolve validates a profile, its credentials and its driver. It does not
// talk to the provider.
func (p *Provisioner) resolve(profileName string) (backend, error) {
	profile, err := p.ws.Profile(profileName)
	if err != nil {
		return backend{}, err
	}
	creds, err := credentials.Resolve(profile.Provider, p.lookupEnv)
	if err != nil {
		return backend{}, err
	}
	factory, err := p.drivers(profile.Provider)
	if err != nil {
		return backend{}, err
	}
	return backend{profile: profile, creds: creds, factory: factory}, nil
}

// clusterContext opens the roster and key pair of the active cluster.
func (p *Provisioner) clusterContext() (*roster.Roster, *credentials.KeyPair, *log.Entry, error) {
	folder, err := p.ws.ClusterFolder()
	if err != nil {
		return nil, nil, nil, err
	}
	name, err := p.ws.ActiveCluster(false)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cardicelog.WithCluster(p.logger, name)
	keyPair, err := p.ws.KeyPair()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load cluster key pair: %w", err)
	}
	r, err := roster.Open(roster.Path(folder), keyPair.PrivateKeyPath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return r, keyPair, logger, nil
}

// Start launches req.Count nodes named {prefix}000 onwards. Validation errors
// are returned before any node is created. Once nodes are being created, the
// first failure observed is returned while the remaining nodes keep starting
// in the background; call Drain to wait for them.
func (p *Provisioner) Start(ctx context.Context, req StartRequest) ([]provider.Node, error) {
	return p.launch(ctx, req.withDefaults(), func(*roster.Roster, string) int { return 0 })
}

// Grow adds req.Count nodes, numbered after the highest existing index for the
// prefix.
func (p *Provisioner) Grow(ctx context.Context, req StartRequest) ([]provider.Node, error) {
	return p.launch(ctx, req.withDefaults(), func(r *roster.Roster, prefix string) int {
		return nextIndex(r.List(), prefix)
	})
}

func (p *Provisioner) launch(ctx context.Context, req StartRequest, firstIndex func(*roster.Roster, string) int) ([]provider.Node, error) {
	if req.Count < 0 {
		return nil, pkgerrors.WithStack(fmt.Errorf("node count must not be negative, got %d", req.Count))
	}
	b, err := p.resolve(req.Profile)
	if err != nil {
		return nil, err
	}
	r, keyPair, logger, err := p.clusterContext()
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("profile", b.profile.Name)

	names := nodeNames(req.NamePrefix, firstIndex(r, req.NamePrefix), req.Count)
	for _, name := range names {
		if _, ok := r.Get(name); ok {
			return nil, pkgerrors.WithStack(&provider.ProviderError{Err: provider.ErrNodeExists, Provider: b.profile.Provider, Node: name})
		}
	}

	driver, err := b.driver()
	if err != nil {
		return nil, pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: b.profile.Provider})
	}
	image, size, err := selectCatalog(ctx, b, driver)
	if err != nil {
		return nil, err
	}

	authorizedKey, err := keyPair.AuthorizedKey()
	if err != nil {
		return nil, err
	}
	keys := []string{strings.TrimSpace(string(authorizedKey))}

	specs := make([]provider.NodeSpec, 0, len(names))
	for _, name := range names {
		userData, err := GenerateCloudConfig(name, keys)
		if err != nil {
			return nil, err
		}
		specs = append(specs, provider.NodeSpec{
			Name:           name,
			Image:          image,
			Size:           size,
			UserData:       userData,
			AuthorizedKeys: keys,
		})
	}

	logger.Infof("starting %d nodes with image %s and size %s", len(specs), image.Name, size.Name)
	started := time.Now()
	pool := p.newPool(req.MaxConcurrency)
	futures := make([]*parallel.Future[provider.Node], 0, len(specs))
	for _, spec := range specs {
		futures = append(futures, parallel.Submit(ctx, pool, spec.Name, func(ctx context.Context) (provider.Node, error) {
			return p.startNode(ctx, b, r, spec, req.Timeout, logger.WithField("node", spec.Name))
		}))
	}

	err = parallel.Supervise(ctx, futures, req.RefreshPeriod, func(progress parallel.Progress) {
		logger.Infof("%s nodes done", progress)
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]provider.Node, 0, len(futures))
	for _, f := range futures {
		n, _ := f.Result()
		nodes = append(nodes, n)
	}
	logger.Infof("started %d nodes in %s", len(nodes), time.Since(started).Round(time.Second))
	return nodes, nil
}

// startNode creates one node and waits for it to run. Creation and
// registration are not cancelled with ctx: a node the provider has accepted is
// billed, so it must end up in the roster.
func (p *Provisioner) startNode(ctx context.Context, b backend, r *roster.Roster, spec provider.NodeSpec, timeout time.Duration, logger *log.Entry) (provider.Node, error) {
	providerName := b.profile.Provider
	driver, err := b.driver()
	if err != nil {
		return provider.Node{}, pkgerrors.WithStack(&provider.ProviderError{Err: provider.ErrNodeCreate, Provider: providerName, Node: spec.Name, Cause: err})
	}

	logger.Debug("creating")
	created, err := driver.CreateNode(context.WithoutCancel(ctx), spec)
	if err != nil {
		if created != nil && created.ID != "" {
			// the provider holds a resource for this node, keep it in the roster so it can be terminated
			partial := *created
			partial.Name = spec.Name
			partial.State = provider.StateFailed
			if regErr := r.Register(b.origin(), partial); regErr != nil {
				logger.WithError(regErr).Warn("failed to record partially created node")
			}
		}
		return provider.Node{}, pkgerrors.WithStack(&provider.ProviderError{Err: provider.ErrNodeCreate, Provider: providerName, Node: spec.Name, Cause: err})
	}
	node := *created
	if node.Name == "" {
		node.Name = spec.Name
	}
	node.State = provider.StateCreating
	if err := r.Register(b.origin(), node); err != nil {
		return provider.Node{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	running, err := driver.WaitUntilRunning(waitCtx, []provider.Node{node}, timeout)
	if err == nil && len(running) != 1 {
		err = fmt.Errorf("expected 1 running node, got %d", len(running))
	}
	if err != nil {
		if ctx.Err() != nil {
			// interrupted: the node stays registered as creating
			return provider.Node{}, fmt.Errorf("waiting for %s: %w", spec.Name, ctx.Err())
		}
		if stateErr := r.SetState(node.Name, provider.StateFailed); stateErr != nil {
			logger.WithError(stateErr).Warn("failed to record node failure")
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return provider.Node{}, pkgerrors.WithStack(&provider.ProviderError{Err: provider.ErrNodeStartTimeout, Provider: providerName, Node: spec.Name, Timeout: timeout})
		}
		return provider.Node{}, pkgerrors.WithStack(&provider.ProviderError{Err: provider.ErrNodeFailed, Provider: providerName, Node: spec.Name, Cause: err})
	}

	node = running[0]
	node.Name = spec.Name
	node.State = provider.StateRunning
	if err := r.Register(b.origin(), node); err != nil {
		return provider.Node{}, err
	}
	logger.WithField("address", node.PublicAddress).Info("running")
	return node, nil
}

func selectCatalog(ctx context.Context, b backend, driver provider.Driver) (provider.Image, provider.Size, error) {
	providerName := b.profile.Provider
	images, err := driver.ListImages(ctx)
	if err != nil {
		return provider.Image{}, provider.Size{}, pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: providerName, Resource: "images"})
	}
	image, err := provider.SelectImage(providerName, images, b.profile.Image)
	if err != nil {
		return provider.Image{}, provider.Size{}, err
	}
	sizes, err := driver.ListSizes(ctx)
	if err != nil {
		return provider.Image{}, provider.Size{}, pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: providerName, Resource: "sizes"})
	}
	size, err := provider.SelectSize(providerName, sizes, b.profile.Size)
	if err != nil {
		return provider.Image{}, provider.Size{}, err
	}
	return image, size, nil
}

func (p *Provisioner) newPool(maxConcurrency int64) *parallel.Pool {
	pool := parallel.NewPool(maxConcurrency)
	p.mu.Lock()
	p.pools = append(p.pools, pool)
	p.mu.Unlock()
	return pool
}

// Drain waits for every task started by this provisioner, including those
// still running after an operation returned an error.
func (p *Provisioner) Drain(ctx context.Context) error {
	p.mu.Lock()
	pools := p.pools
	p.pools = nil
	p.mu.Unlock()
	for _, pool := range pools {
		if err := pool.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
