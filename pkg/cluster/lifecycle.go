package cluster

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aifoundry-org/cardice/pkg/parallel"
	"github.com/aifoundry-org/cardice/pkg/provider"
	"github.com/aifoundry-org/cardice/pkg/roster"
	"github.com/aifoundry-org/cardice/pkg/util"
)

// backends resolves the profile of every entry once. A node whose profile
// now points at another provider cannot be managed through it.
func (p *Provisioner) backends(entries []roster.Entry) (map[string]backend, error) {
	out := map[string]backend{}
	for _, e := range entries {
		if _, ok := out[e.Cardice.Profile]; ok {
			continue
		}
		b, err := p.resolve(e.Cardice.Profile)
		if err != nil {
			return nil, err
		}
		if b.profile.Provider != e.Cardice.Provider {
			return nil, pkgerrors.Errorf("node %s was created with provider %s but profile %s now uses %s",
				e.Name, e.Cardice.Provider, b.profile.Name, b.profile.Provider)
		}
		out[e.Cardice.Profile] = b
	}
	return out, nil
}

// requireCapability checks that every backend's driver implements the
// operation before any node is touched.
func requireCapability(backends map[string]backend, operation string, supports func(provider.Driver) bool) error {
	for _, b := range backends {
		driver, err := b.driver()
		if err != nil {
			return pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: b.profile.Provider})
		}
		if !supports(driver) {
			return pkgerrors.WithStack(&provider.NotImplementedError{Operation: operation, Provider: b.profile.Provider})
		}
	}
	return nil
}

// forEach runs fn for every entry on the bounded pool, each with its own
// driver, and returns the first failure observed.
func (p *Provisioner) forEach(ctx context.Context, req LifecycleRequest, operation string, entries []roster.Entry, backends map[string]backend, logger *log.Entry, fn func(ctx context.Context, driver provider.Driver, e roster.Entry) error) error {
	pool := p.newPool(req.MaxConcurrency)
	futures := make([]*parallel.Future[struct{}], 0, len(entries))
	for _, e := range entries {
		b := backends[e.Cardice.Profile]
		futures = append(futures, parallel.Submit(ctx, pool, e.Name, func(ctx context.Context) (struct{}, error) {
			driver, err := b.driver()
			if err != nil {
				return struct{}{}, pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: b.profile.Provider, Node: e.Name})
			}
			if err := fn(ctx, driver, e); err != nil {
				return struct{}{}, fmt.Errorf("%s %s: %w", operation, e.Name, err)
			}
			return struct{}{}, nil
		}))
	}
	return parallel.Supervise(ctx, futures, req.RefreshPeriod, func(progress parallel.Progress) {
		logger.Infof("%s: %s nodes done", operation, progress)
	})
}

// Stop powers off every node of the cluster and keeps them in the roster.
func (p *Provisioner) Stop(ctx context.Context, req LifecycleRequest) error {
	req = req.withDefaults()
	r, _, logger, err := p.clusterContext()
	if err != nil {
		return err
	}
	entries := r.List()
	backends, err := p.backends(entries)
	if err != nil {
		return err
	}
	if err := requireCapability(backends, "stop", func(d provider.Driver) bool {
		_, ok := d.(provider.Stopper)
		return ok
	}); err != nil {
		return err
	}
	return p.forEach(ctx, req, "stop", entries, backends, logger, func(ctx context.Context, driver provider.Driver, e roster.Entry) error {
		if err := driver.(provider.Stopper).StopNode(ctx, e.Node()); err != nil {
			return err
		}
		return r.SetState(e.Name, provider.StateStopped)
	})
}

// Terminate destroys every node of the cluster. Each node leaves the roster
// once its provider has released it.
func (p *Provisioner) Terminate(ctx context.Context, req LifecycleRequest) error {
	req = req.withDefaults()
	r, _, logger, err := p.clusterContext()
	if err != nil {
		return err
	}
	return p.destroy(ctx, req, r, r.List(), logger)
}

// Shrink destroys the req.Count most recently registered nodes named with
// req.NamePrefix.
func (p *Provisioner) Shrink(ctx context.Context, req ShrinkRequest) error {
	req.LifecycleRequest = req.withDefaults()
	if req.NamePrefix == "" {
		req.NamePrefix = DefaultNamePrefix
	}
	r, _, logger, err := p.clusterContext()
	if err != nil {
		return err
	}
	candidates := withPrefix(r.List(), req.NamePrefix)
	if req.Count <= 0 || req.Count > len(candidates) {
		return pkgerrors.Errorf("cannot remove %d nodes: the cluster has %d nodes named %s*", req.Count, len(candidates), req.NamePrefix)
	}
	return p.destroy(ctx, req.LifecycleRequest, r, candidates[len(candidates)-req.Count:], logger)
}

func (p *Provisioner) destroy(ctx context.Context, req LifecycleRequest, r *roster.Roster, entries []roster.Entry, logger *log.Entry) error {
	backends, err := p.backends(entries)
	if err != nil {
		return err
	}
	if err := requireCapability(backends, "terminate", func(d provider.Driver) bool {
		_, ok := d.(provider.Destroyer)
		return ok
	}); err != nil {
		return err
	}
	return p.forEach(ctx, req, "terminate", entries, backends, logger, func(ctx context.Context, driver provider.Driver, e roster.Entry) error {
		if err := driver.(provider.Destroyer).DestroyNode(ctx, e.Node()); err != nil {
			return err
		}
		return r.Remove(e.Name)
	})
}

// Status reports every roster node as its provider sees it. Provider listings
// cover more than this cluster, so they are filtered by roster membership.
func (p *Provisioner) Status(ctx context.Context, req StatusRequest) ([]NodeStatus, error) {
	r, keyPair, logger, err := p.clusterContext()
	if err != nil {
		return nil, err
	}
	entries := r.List()
	backends, err := p.backends(entries)
	if err != nil {
		return nil, err
	}

	pool := p.newPool(DefaultMaxConcurrency)
	listings := map[string]*parallel.Future[map[string]provider.Node]{}
	for profileName, b := range backends {
		listings[profileName] = parallel.Submit(ctx, pool, profileName, func(ctx context.Context) (map[string]provider.Node, error) {
			driver, err := b.driver()
			if err != nil {
				return nil, pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: b.profile.Provider})
			}
			nodes, err := driver.ListNodes(ctx)
			if err != nil {
				return nil, pkgerrors.WithStack(&provider.ProviderError{Err: err, Provider: b.profile.Provider, Resource: "nodes"})
			}
			byID := make(map[string]provider.Node, len(nodes))
			for _, n := range nodes {
				byID[n.ID] = n
			}
			return byID, nil
		})
	}

	statuses := make([]NodeStatus, 0, len(entries))
	for _, e := range entries {
		known, err := listings[e.Cardice.Profile].Result()
		if err != nil {
			return nil, err
		}
		status := NodeStatus{
			Name:        e.Name,
			Profile:     e.Cardice.Profile,
			Provider:    e.Cardice.Provider,
			ID:          e.Cardice.ID,
			Address:     e.Host,
			State:       provider.StateTerminated,
			RosterState: e.Cardice.State,
		}
		if n, ok := known[e.Cardice.ID]; ok {
			status.State = n.State
			if n.PublicAddress != "" {
				status.Address = n.PublicAddress
			}
		}
		statuses = append(statuses, status)
	}

	if req.Ping {
		privPEM := keyPair.PEM()
		pings := make([]*parallel.Future[bool], len(statuses))
		for i, s := range statuses {
			if s.State != provider.StateRunning || s.Address == "" {
				continue
			}
			pings[i] = parallel.Submit(ctx, pool, s.Name, func(context.Context) (bool, error) {
				_, err := util.RunSSHCommand(roster.DefaultUser, s.Address, privPEM, pingCommand, pingTimeout)
				if err != nil {
					logger.WithField("node", s.Name).WithError(err).Debug("ping failed")
				}
				return err == nil, nil
			})
		}
		for i, f := range pings {
			if f == nil {
				continue
			}
			statuses[i].Pinged = true
			statuses[i].Reachable, _ = f.Result()
		}
	}
	return statuses, nil
}
