package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifoundry-org/cardice/pkg/cluster"
	"github.com/aifoundry-org/cardice/pkg/config"
	"github.com/aifoundry-org/cardice/pkg/credentials"
	cardicelog "github.com/aifoundry-org/cardice/pkg/log"
	"github.com/aifoundry-org/cardice/pkg/provider"
	"github.com/aifoundry-org/cardice/pkg/roster"
)

const testProfiles = `
stub:
  provider: stub
stub-sized:
  provider: stub
  image: ubuntu
  size: large
stub-basic:
  provider: stub-basic
missing-image:
  provider: stub
  image: nope
aws:
  provider: aws
`

// stubCloud is shared by every driver built by one factory, like a real
// provider account.
type stubCloud struct {
	mu        sync.Mutex
	nodes     map[string]provider.Node
	failReady map[string]bool
	// failBoot nodes are allocated but fail to boot inside CreateNode.
	failBoot map[string]bool
	// hangReady nodes never become ready and report the expiry without wrapping it.
	hangReady map[string]bool

	factoryCalls atomic.Int32
	creates      atomic.Int32
}

func newStubCloud(failReady ...string) *stubCloud {
	c := &stubCloud{
		nodes:     map[string]provider.Node{},
		failReady: map[string]bool{},
		failBoot:  map[string]bool{},
		hangReady: map[string]bool{},
	}
	for _, name := range failReady {
		c.failReady[name] = true
	}
	return c
}

func (c *stubCloud) factory(creds credentials.Credentials, _ map[string]string) (provider.Driver, error) {
	c.factoryCalls.Add(1)
	if creds.Key == "" {
		return nil, errors.New("no key")
	}
	return &stubDriver{cloud: c}, nil
}

type stubDriver struct {
	cloud *stubCloud
}

func (d *stubDriver) ListImages(context.Context) ([]provider.Image, error) {
	return []provider.Image{{ID: "img-1", Name: "debian"}, {ID: "img-2", Name: "ubuntu"}}, nil
}

func (d *stubDriver) ListSizes(context.Context) ([]provider.Size, error) {
	return []provider.Size{{Name: "small", CPUs: 1}, {Name: "large", CPUs: 8}}, nil
}

func (d *stubDriver) CreateNode(_ context.Context, spec provider.NodeSpec) (*provider.Node, error) {
	n := d.cloud.creates.Add(1)
	node := provider.Node{
		Name:          spec.Name,
		ID:            "id-" + spec.Name,
		PublicAddress: fmt.Sprintf("192.0.2.%d", n),
		State:         provider.StateRunning,
	}
	d.cloud.mu.Lock()
	d.cloud.nodes[node.ID] = node
	failBoot := d.cloud.failBoot[spec.Name]
	d.cloud.mu.Unlock()
	if failBoot {
		return &provider.Node{ID: node.ID, State: provider.StateFailed}, fmt.Errorf("failed to start %s", spec.Name)
	}
	return &provider.Node{Name: spec.Name, ID: node.ID, State: provider.StateCreating}, nil
}

func (d *stubDriver) WaitUntilRunning(ctx context.Context, nodes []provider.Node, _ time.Duration) ([]provider.Node, error) {
	for _, n := range nodes {
		d.cloud.mu.Lock()
		hang := d.cloud.hangReady[n.Name]
		d.cloud.mu.Unlock()
		if hang {
			<-ctx.Done()
			return nil, fmt.Errorf("node %s not ready: %v", n.Name, ctx.Err())
		}
	}
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	out := make([]provider.Node, 0, len(nodes))
	for _, n := range nodes {
		if d.cloud.failReady[n.Name] {
			return nil, context.DeadlineExceeded
		}
		out = append(out, d.cloud.nodes[n.ID])
	}
	return out, nil
}

func (d *stubDriver) ListNodes(context.Context) ([]provider.Node, error) {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	out := make([]provider.Node, 0, len(d.cloud.nodes))
	for _, n := range d.cloud.nodes {
		out = append(out, n)
	}
	// a node owned by someone else
	out = append(out, provider.Node{Name: "foreign", ID: "id-foreign", State: provider.StateRunning})
	return out, nil
}

func (d *stubDriver) StopNode(_ context.Context, node provider.Node) error {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	n, ok := d.cloud.nodes[node.ID]
	if !ok {
		return fmt.Errorf("no such node %s", node.ID)
	}
	n.State = provider.StateStopped
	d.cloud.nodes[node.ID] = n
	return nil
}

func (d *stubDriver) DestroyNode(_ context.Context, node provider.Node) error {
	d.cloud.mu.Lock()
	defer d.cloud.mu.Unlock()
	if _, ok := d.cloud.nodes[node.ID]; !ok {
		return fmt.Errorf("no such node %s", node.ID)
	}
	delete(d.cloud.nodes, node.ID)
	return nil
}

// basicDriver hides the optional capabilities of the stub.
type basicDriver struct {
	provider.Driver
}

type fixture struct {
	ws     *config.Workspace
	cloud  *stubCloud
	prov   *cluster.Provisioner
	folder string
}

func newFixture(t *testing.T, env map[string]string, failReady ...string) *fixture {
	t.Helper()

	root := t.TempDir()
	logger := cardicelog.New(io.Discard, log.DebugLevel)
	ws, err := config.Open(root, "", logger)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "profiles.yaml"), []byte(testProfiles), 0o644))
	c, err := ws.InitCluster("demo")
	require.NoError(t, err)

	if env == nil {
		env = map[string]string{"CARDICE_STUB_KEY": "key", "CARDICE_STUB_BASIC_KEY": "key"}
	}
	cloud := newStubCloud(failReady...)
	drivers := func(name string) (provider.Factory, error) {
		switch name {
		case "stub":
			return cloud.factory, nil
		case "stub-basic":
			return func(creds credentials.Credentials, options map[string]string) (provider.Driver, error) {
				d, err := cloud.factory(creds, options)
				if err != nil {
					return nil, err
				}
				return basicDriver{d}, nil
			}, nil
		}
		return provider.Lookup(name)
	}
	prov := cluster.NewProvisioner(ws,
		cluster.WithDrivers(drivers),
		cluster.WithLookupEnv(func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		}),
	)
	return &fixture{ws: ws, cloud: cloud, prov: prov, folder: c.Folder}
}

func (f *fixture) roster(t *testing.T) []roster.Entry {
	t.Helper()
	r, err := roster.Open(roster.Path(f.folder), "", cardicelog.New(io.Discard, log.InfoLevel))
	require.NoError(t, err)
	return r.List()
}

func names(entries []roster.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestStartNamesNodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	nodes, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 3, NamePrefix: "node"})
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	entries := f.roster(t)
	assert.ElementsMatch(t, []string{"node000", "node001", "node002"}, names(entries))
	for _, e := range entries {
		assert.Equal(t, provider.StateRunning, e.Cardice.State)
		assert.Equal(t, "stub", e.Cardice.Provider)
		assert.Equal(t, "stub", e.Cardice.Profile)
		assert.Equal(t, "root", e.User)
		assert.Equal(t, filepath.Join(f.folder, "demo_rsa"), e.Priv)
		assert.NotEmpty(t, e.Host)
	}
}

func TestStartPartialFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, "node003")

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{
		Profile:        "stub",
		Count:          5,
		NamePrefix:     "node",
		MaxConcurrency: 2,
		RefreshPeriod:  time.Millisecond,
		Timeout:        time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNodeStartTimeout)
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "node003", perr.Node)
	assert.Contains(t, err.Error(), "node003")

	require.NoError(t, f.prov.Drain(context.Background()))

	states := map[string]provider.State{}
	for _, e := range f.roster(t) {
		states[e.Name] = e.Cardice.State
	}
	for _, name := range []string{"node000", "node001", "node002", "node004"} {
		assert.Equal(t, provider.StateRunning, states[name], name)
	}
	assert.Equal(t, provider.StateFailed, states["node003"])
}

func TestStartRecordsPartiallyCreatedNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.cloud.failBoot["node001"] = true

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 2, NamePrefix: "node"})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNodeCreate)
	require.NoError(t, f.prov.Drain(context.Background()))

	states := map[string]provider.State{}
	ids := map[string]string{}
	for _, e := range f.roster(t) {
		states[e.Name] = e.Cardice.State
		ids[e.Name] = e.Cardice.ID
	}
	assert.Equal(t, provider.StateRunning, states["node000"])
	assert.Equal(t, provider.StateFailed, states["node001"])
	assert.Equal(t, "id-node001", ids["node001"])

	// the leftover resource can be cleaned up through the roster
	require.NoError(t, f.prov.Terminate(context.Background(), cluster.LifecycleRequest{}))
	assert.Empty(t, f.roster(t))
	f.cloud.mu.Lock()
	assert.Empty(t, f.cloud.nodes)
	f.cloud.mu.Unlock()
}

func TestStartTimeoutWithUnwrappedDriverError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.cloud.hangReady["node000"] = true

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{
		Profile:    "stub",
		Count:      1,
		NamePrefix: "node",
		Timeout:    20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNodeStartTimeout)
	assert.NotErrorIs(t, err, provider.ErrNodeFailed)
	require.NoError(t, f.prov.Drain(context.Background()))

	entries := f.roster(t)
	require.Len(t, entries, 1)
	assert.Equal(t, provider.StateFailed, entries[0].Cardice.State)
}

func TestStartMissingCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[string]string{})

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "aws", Count: 2})
	require.Error(t, err)
	var cerr *credentials.CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "CARDICE_AWS_KEY", cerr.Variable)
	assert.ErrorIs(t, err, credentials.ErrMissingCredentials)

	_, err = f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 2})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, int32(0), f.cloud.factoryCalls.Load())
	assert.Equal(t, int32(0), f.cloud.creates.Load())
}

func TestStartUnknownProfile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "nope"})
	require.ErrorIs(t, err, config.ErrProfileNotFound)
	var perr *config.ProfileError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Available, "stub")
	assert.Equal(t, int32(0), f.cloud.creates.Load())
}

func TestStartImageNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "missing-image"})
	require.ErrorIs(t, err, provider.ErrImageNotFound)
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, int32(0), f.cloud.creates.Load())
}

func TestStartSelectsCatalogEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	var specs []provider.NodeSpec
	var mu sync.Mutex
	recording := func(creds credentials.Credentials, options map[string]string) (provider.Driver, error) {
		d, err := f.cloud.factory(creds, options)
		if err != nil {
			return nil, err
		}
		return recordingDriver{Driver: d, record: func(s provider.NodeSpec) {
			mu.Lock()
			defer mu.Unlock()
			specs = append(specs, s)
		}}, nil
	}
	prov := cluster.NewProvisioner(f.ws,
		cluster.WithDrivers(func(string) (provider.Factory, error) { return recording, nil }),
		cluster.WithLookupEnv(func(string) (string, bool) { return "key", true }),
	)

	_, err := prov.Start(context.Background(), cluster.StartRequest{Profile: "stub-sized", Count: 1, NamePrefix: "big"})
	require.NoError(t, err)
	_, err = prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 1, NamePrefix: "small"})
	require.NoError(t, err)

	require.Len(t, specs, 2)
	assert.Equal(t, "ubuntu", specs[0].Image.Name)
	assert.Equal(t, "large", specs[0].Size.Name)
	assert.Equal(t, "debian", specs[1].Image.Name)
	assert.Equal(t, "small", specs[1].Size.Name)
	assert.Contains(t, specs[1].UserData, "hostname: small000")
	require.Len(t, specs[1].AuthorizedKeys, 1)
	assert.True(t, strings.HasPrefix(specs[1].AuthorizedKeys[0], "ssh-rsa "))
	assert.Contains(t, specs[1].UserData, "ssh-authorized-keys:")
}

type recordingDriver struct {
	provider.Driver
	record func(provider.NodeSpec)
}

func (d recordingDriver) CreateNode(ctx context.Context, spec provider.NodeSpec) (*provider.Node, error) {
	d.record(spec)
	return d.Driver.CreateNode(ctx, spec)
}

func TestStartRejectsExistingNodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 2})
	require.NoError(t, err)
	creates := f.cloud.creates.Load()

	_, err = f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 3})
	require.ErrorIs(t, err, provider.ErrNodeExists)
	assert.Equal(t, creates, f.cloud.creates.Load())
}

func TestGrowContinuesNumbering(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 2, NamePrefix: "node"})
	require.NoError(t, err)
	_, err = f.prov.Grow(context.Background(), cluster.StartRequest{Profile: "stub", Count: 2, NamePrefix: "node"})
	require.NoError(t, err)
	_, err = f.prov.Grow(context.Background(), cluster.StartRequest{Profile: "stub", Count: 1, NamePrefix: "gpu"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"node000", "node001", "node002", "node003", "gpu000"}, names(f.roster(t)))
}

func TestShrinkRemovesNewestNodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 1, NamePrefix: "node", MaxConcurrency: 1})
	require.NoError(t, err)
	for range 3 {
		_, err = f.prov.Grow(context.Background(), cluster.StartRequest{Profile: "stub", Count: 1, NamePrefix: "node"})
		require.NoError(t, err)
	}

	err = f.prov.Shrink(context.Background(), cluster.ShrinkRequest{Count: 2, NamePrefix: "node"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node000", "node001"}, names(f.roster(t)))

	err = f.prov.Shrink(context.Background(), cluster.ShrinkRequest{Count: 3, NamePrefix: "node"})
	require.Error(t, err)
	assert.Len(t, f.roster(t), 2)
}

func TestStopAndTerminate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 3})
	require.NoError(t, err)

	require.NoError(t, f.prov.Stop(context.Background(), cluster.LifecycleRequest{}))
	for _, e := range f.roster(t) {
		assert.Equal(t, provider.StateStopped, e.Cardice.State)
	}

	require.NoError(t, f.prov.Terminate(context.Background(), cluster.LifecycleRequest{MaxConcurrency: 2}))
	assert.Empty(t, f.roster(t))
	f.cloud.mu.Lock()
	assert.Empty(t, f.cloud.nodes)
	f.cloud.mu.Unlock()
}

func TestLifecycleNotImplemented(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub-basic", Count: 2})
	require.NoError(t, err)

	err = f.prov.Stop(context.Background(), cluster.LifecycleRequest{})
	require.ErrorIs(t, err, provider.ErrNotImplemented)
	var nerr *provider.NotImplementedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "stop", nerr.Operation)
	assert.Equal(t, "stub-basic", nerr.Provider)

	err = f.prov.Terminate(context.Background(), cluster.LifecycleRequest{})
	require.ErrorIs(t, err, provider.ErrNotImplemented)
	assert.Len(t, f.roster(t), 2)
}

func TestStatusFiltersByRoster(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.prov.Start(context.Background(), cluster.StartRequest{Profile: "stub", Count: 2})
	require.NoError(t, err)
	f.cloud.mu.Lock()
	delete(f.cloud.nodes, "id-node001")
	f.cloud.mu.Unlock()

	statuses, err := f.prov.Status(context.Background(), cluster.StatusRequest{})
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byName := map[string]cluster.NodeStatus{}
	for _, s := range statuses {
		byName[s.Name] = s
	}
	assert.NotContains(t, byName, "foreign")
	assert.Equal(t, provider.StateRunning, byName["node000"].State)
	assert.Equal(t, provider.StateTerminated, byName["node001"].State)
	assert.Equal(t, provider.StateRunning, byName["node001"].RosterState)
	assert.False(t, byName["node000"].Pinged)
}

func TestStartNeedsActiveCluster(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ws, err := config.Open(root, "", cardicelog.New(io.Discard, log.InfoLevel))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "profiles.yaml"), []byte(testProfiles), 0o644))
	cloud := newStubCloud()
	prov := cluster.NewProvisioner(ws,
		cluster.WithDrivers(func(string) (provider.Factory, error) { return cloud.factory, nil }),
		cluster.WithLookupEnv(func(string) (string, bool) { return "key", true }),
	)

	_, err = prov.Start(context.Background(), cluster.StartRequest{Profile: "stub"})
	require.ErrorIs(t, err, config.ErrNoActiveCluster)
	assert.Equal(t, int32(0), cloud.creates.Load())
}
