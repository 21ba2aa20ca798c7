// Package proxmox implements the cardice provider driver for Proxmox VE.
//
// Images are template VMs carrying the image tag; nodes are full clones of a
// template, configured with the requested shape and tagged as managed by cardice.
package proxmox

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"github.com/aifoundry-org/cardice/pkg/credentials"
	"github.com/aifoundry-org/cardice/pkg/provider"
	"github.com/aifoundry-org/cardice/pkg/util"
)

const (
	// Name is the provider identifier used in profiles.
	Name = "proxmox"

	defaultImageTag   = "cardice-image"
	defaultManagedTag = "cardice"
	defaultVMIDLower  = 10000
	defaultVMIDUpper  = 19999
	taskWaitSeconds   = 600
	pollInterval      = 5 * time.Second
	maxCloneAttempts  = 5
)

func init() {
	provider.Register(Name, New)
}

// Options are read from the profile options map.
type Options struct {
	Endpoint      string
	Insecure      bool
	NodeWhitelist []string
	ImageTag      string
	ManagedTag    string
	VMIDLower     uint64
	VMIDUpper     uint64
}

// Driver implements provider.Driver, provider.Stopper and provider.Destroyer.
type Driver struct {
	client       *proxmoxapi.Client
	opts         Options
	pollInterval time.Duration
}

// New builds a proxmox driver. CARDICE_PROXMOX_KEY is the API token ID and
// CARDICE_PROXMOX_SECRET the token secret.
func New(creds credentials.Credentials, options map[string]string) (provider.Driver, error) {
	opts, err := parseOptions(options)
	if err != nil {
		return nil, err
	}
	if creds.Secret == "" {
		return nil, fmt.Errorf("proxmox needs the API token secret in %s", creds.SecretEnvVar)
	}

	httpClient := &http.Client{}
	if opts.Insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client := proxmoxapi.NewClient(
		opts.Endpoint,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(creds.Key, creds.Secret),
	)
	return &Driver{client: client, opts: opts, pollInterval: pollInterval}, nil
}

func parseOptions(options map[string]string) (Options, error) {
	opts := Options{
		Endpoint:   options["endpoint"],
		ImageTag:   options["image-tag"],
		ManagedTag: options["managed-tag"],
		VMIDLower:  defaultVMIDLower,
		VMIDUpper:  defaultVMIDUpper,
	}
	if opts.Endpoint == "" {
		return Options{}, fmt.Errorf("proxmox option endpoint is required")
	}
	if opts.ImageTag == "" {
		opts.ImageTag = defaultImageTag
	}
	if opts.ManagedTag == "" {
		opts.ManagedTag = defaultManagedTag
	}
	if raw := options["insecure"]; raw != "" {
		insecure, err := strconv.ParseBool(raw)
		if err != nil {
			return Options{}, fmt.Errorf("proxmox option insecure: %w", err)
		}
		opts.Insecure = insecure
	}
	if raw := options["nodes"]; raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				opts.NodeWhitelist = append(opts.NodeWhitelist, n)
			}
		}
	}
	for key, dst := range map[string]*uint64{"vmid-lower": &opts.VMIDLower, "vmid-upper": &opts.VMIDUpper} {
		raw := options[key]
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Options{}, fmt.Errorf("proxmox option %s: %w", key, err)
		}
		*dst = v
	}
	if opts.VMIDLower >= opts.VMIDUpper {
		return Options{}, fmt.Errorf("proxmox option vmid-lower must be < vmid-upper")
	}
	return opts, nil
}

type located struct {
	node *proxmoxapi.Node
	vm   *proxmoxapi.VirtualMachine
}

func (l located) id() string {
	return fmt.Sprintf("%s/%v", l.node.Name, l.vm.VMID)
}

func hasTag(tags, tag string) bool {
	return slices.Contains(strings.Split(tags, ";"), tag)
}

// virtualMachines walks every allowed proxmox node and returns the VMs for
// which keep returns true.
func (d *Driver) virtualMachines(ctx context.Context, keep func(*proxmoxapi.VirtualMachine) bool) ([]located, error) {
	nodeStatuses, err := d.client.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxmox nodes: %w", err)
	}
	var out []located
	for _, nodeStatus := range nodeStatuses {
		if len(d.opts.NodeWhitelist) > 0 && !slices.Contains(d.opts.NodeWhitelist, nodeStatus.Name) {
			continue
		}
		node, err := d.client.Node(ctx, nodeStatus.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get proxmox node %s: %w", nodeStatus.Name, err)
		}
		vms, err := node.VirtualMachines(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list VMs on %s: %w", nodeStatus.Name, err)
		}
		for _, vm := range vms {
			if keep(vm) {
				out = append(out, located{node: node, vm: vm})
			}
		}
	}
	return out, nil
}

// lookup resolves a node/vmid identifier.
func (d *Driver) lookup(ctx context.Context, id string) (*proxmoxapi.Node, *proxmoxapi.VirtualMachine, error) {
	nodeName, rawVMID, ok := strings.Cut(id, "/")
	if !ok {
		return nil, nil, fmt.Errorf("invalid proxmox VM identifier %q, expected <node>/<vmid>", id)
	}
	vmid, err := strconv.Atoi(rawVMID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid proxmox VM identifier %q: %w", id, err)
	}
	node, err := d.client.Node(ctx, nodeName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get proxmox node %s: %w", nodeName, err)
	}
	vm, err := node.VirtualMachine(ctx, vmid)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get VM %s: %w", id, err)
	}
	return node, vm, nil
}

// ListImages returns the template VMs tagged with the image tag.
func (d *Driver) ListImages(ctx context.Context) ([]provider.Image, error) {
	templates, err := d.virtualMachines(ctx, func(vm *proxmoxapi.VirtualMachine) bool {
		return hasTag(vm.Tags, d.opts.ImageTag)
	})
	if err != nil {
		return nil, err
	}
	images := make([]provider.Image, 0, len(templates))
	for _, t := range templates {
		images = append(images, provider.Image{ID: t.id(), Name: t.vm.Name})
	}
	return images, nil
}

func (d *Driver) ListSizes(_ context.Context) ([]provider.Size, error) {
	return provider.StandardSizes, nil
}

// CreateNode clones the image template into a free VMID, then configures and
// starts the clone. Once the clone exists, failures are returned together with
// the node so that the caller can still record it.
func (d *Driver) CreateNode(ctx context.Context, spec provider.NodeSpec) (*provider.Node, error) {
	node, template, err := d.lookup(ctx, spec.Image.ID)
	if err != nil {
		return nil, err
	}
	vmid, err := d.clone(ctx, template, spec.Name)
	if err != nil {
		return nil, err
	}
	created := &provider.Node{
		Name:  spec.Name,
		ID:    fmt.Sprintf("%s/%d", node.Name, vmid),
		State: provider.StateCreating,
	}
	if err := d.configureAndStart(ctx, node, vmid, spec); err != nil {
		created.State = provider.StateFailed
		return created, err
	}
	return created, nil
}

// clone picks a VMID and clones template into it, picking again when another
// client took the VMID in the meantime.
func (d *Driver) clone(ctx context.Context, template *proxmoxapi.VirtualMachine, name string) (int, error) {
	cluster, err := d.client.Cluster(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get proxmox cluster: %w", err)
	}
	var taken []uint64
	for attempt := 1; ; attempt++ {
		resources, err := cluster.Resources(ctx, "vm")
		if err != nil {
			return 0, fmt.Errorf("failed to list proxmox cluster resources: %w", err)
		}
		vmids := slices.Clone(taken)
		for _, r := range resources {
			vmids = append(vmids, r.VMID)
		}
		vmid, err := generateNewVMID(vmids, d.opts)
		if err != nil {
			return 0, fmt.Errorf("allocate VMID: %w", err)
		}

		_, cloneTask, err := template.Clone(ctx, &proxmoxapi.VirtualMachineCloneOptions{
			NewID: vmid,
			Name:  name,
			Full:  1,
		})
		if err != nil {
			if isVMIDConflict(err) && attempt < maxCloneAttempts {
				taken = append(taken, uint64(vmid))
				continue
			}
			return 0, fmt.Errorf("failed to clone %s into VM %d: %w", template.Name, vmid, err)
		}
		if err := waitTask(ctx, cloneTask); err != nil {
			return 0, fmt.Errorf("failed waiting for clone of %s: %w", name, err)
		}
		return vmid, nil
	}
}

func (d *Driver) configureAndStart(ctx context.Context, node *proxmoxapi.Node, vmid int, spec provider.NodeSpec) error {
	vm, err := node.VirtualMachine(ctx, vmid)
	if err != nil {
		return fmt.Errorf("failed to get cloned VM %d: %w", vmid, err)
	}
	vmOptions := []proxmoxapi.VirtualMachineOption{
		{Name: "cores", Value: spec.Size.CPUs},
		{Name: "memory", Value: util.GiBToMiB(spec.Size.MemoryGB)},
		{Name: "tags", Value: d.opts.ManagedTag},
		{Name: "ciuser", Value: "root"},
		{Name: "agent", Value: "1"},
	}
	if len(spec.AuthorizedKeys) > 0 {
		vmOptions = append(vmOptions, proxmoxapi.VirtualMachineOption{Name: "sshkeys", Value: encodeSSHKeys(spec.AuthorizedKeys)})
	}
	configTask, err := vm.Config(ctx, vmOptions...)
	if err != nil {
		return fmt.Errorf("failed to configure VM %s: %w", spec.Name, err)
	}
	if err := waitTask(ctx, configTask); err != nil {
		return fmt.Errorf("failed waiting for configuration of %s: %w", spec.Name, err)
	}
	if _, err := vm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start VM %s: %w", spec.Name, err)
	}
	return nil
}

// WaitUntilRunning waits for each VM to run and for its guest agent to report
// an address. A VM without an address is not reachable, so it is not running
// as far as cardice is concerned.
func (d *Driver) WaitUntilRunning(ctx context.Context, nodes []provider.Node, timeout time.Duration) ([]provider.Node, error) {
	deadline := time.Now().Add(timeout)
	running := make([]provider.Node, 0, len(nodes))
	for _, n := range nodes {
		err := provider.WaitFor(ctx, d.pollInterval, time.Until(deadline), func(ctx context.Context) (bool, error) {
			_, vm, err := d.lookup(ctx, n.ID)
			if err != nil {
				return false, err
			}
			if vmState(vm.Status) != provider.StateRunning {
				return false, nil
			}
			ifaces, err := vm.AgentGetNetworkIFaces(ctx)
			if err != nil {
				// the agent answers only once the guest has booted
				return false, nil
			}
			n.PublicAddress = guestAddress(ifaces)
			return n.PublicAddress != "", nil
		})
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", n.Name, err)
		}
		n.State = provider.StateRunning
		running = append(running, n)
	}
	return running, nil
}

// ListNodes returns the VMs tagged as managed by cardice.
func (d *Driver) ListNodes(ctx context.Context) ([]provider.Node, error) {
	managed, err := d.virtualMachines(ctx, func(vm *proxmoxapi.VirtualMachine) bool {
		return hasTag(vm.Tags, d.opts.ManagedTag)
	})
	if err != nil {
		return nil, err
	}
	nodes := make([]provider.Node, 0, len(managed))
	for _, m := range managed {
		nodes = append(nodes, provider.Node{
			Name:  m.vm.Name,
			ID:    m.id(),
			State: vmState(m.vm.Status),
		})
	}
	return nodes, nil
}

func (d *Driver) StopNode(ctx context.Context, node provider.Node) error {
	_, vm, err := d.lookup(ctx, node.ID)
	if err != nil {
		return err
	}
	task, err := vm.Stop(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop VM %s: %w", node.Name, err)
	}
	return waitTask(ctx, task)
}

// DestroyNode refuses to delete VMs that do not carry the managed tag.
func (d *Driver) DestroyNode(ctx context.Context, node provider.Node) error {
	_, vm, err := d.lookup(ctx, node.ID)
	if err != nil {
		return err
	}
	// a clone whose configuration failed has no tag yet but still carries the node name
	if !hasTag(vm.Tags, d.opts.ManagedTag) && vm.Name != node.Name {
		return fmt.Errorf("refusing to delete VM %s (%s) because it does not have the %q tag", vm.Name, node.ID, d.opts.ManagedTag)
	}
	if vmState(vm.Status) == provider.StateRunning {
		task, err := vm.Stop(ctx)
		if err != nil {
			return fmt.Errorf("failed to stop VM %s: %w", node.Name, err)
		}
		if err := waitTask(ctx, task); err != nil {
			return err
		}
	}
	task, err := vm.Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete VM %s: %w", node.Name, err)
	}
	return waitTask(ctx, task)
}

// waitTask waits for task to finish and reports a failed exit status, which
// Task.WaitFor alone does not. A nil task means the request completed synchronously.
func waitTask(ctx context.Context, task *proxmoxapi.Task) error {
	if task == nil {
		return nil
	}
	if err := task.WaitFor(ctx, taskWaitSeconds); err != nil {
		return err
	}
	if task.IsFailed {
		return fmt.Errorf("task %s failed: %s", task.UPID, task.ExitStatus)
	}
	return nil
}

func vmState(status string) provider.State {
	switch status {
	case "running":
		return provider.StateRunning
	case "stopped":
		return provider.StateStopped
	case "paused", "suspended":
		return provider.StateStopped
	}
	return provider.StateUnknown
}

// isVMIDConflict reports whether proxmox refused a clone because the target
// VMID is already in use.
func isVMIDConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

// guestAddress picks the address to reach a VM at from its guest agent
// interfaces: the first global IPv4 address, else the first global IPv6 one.
func guestAddress(ifaces []*proxmoxapi.AgentNetworkIface) string {
	var v6 string
	for _, iface := range ifaces {
		if iface == nil {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr == nil {
				continue
			}
			ip, err := netip.ParseAddr(addr.IPAddress)
			if err != nil || !ip.IsGlobalUnicast() {
				continue
			}
			if ip.Is4() {
				return ip.String()
			}
			if v6 == "" {
				v6 = ip.String()
			}
		}
	}
	return v6
}

// encodeSSHKeys renders keys the way the proxmox API expects the sshkeys
// option: newline separated and percent-encoded.
func encodeSSHKeys(keys []string) string {
	joined := strings.Join(keys, "\n")
	return strings.ReplaceAll(url.QueryEscape(joined), "+", "%20")
}

// generateNewVMID picks a random free VMID in the configured range, so that
// workers allocating concurrently rarely collide.
func generateNewVMID(existingVMIDs []uint64, opts Options) (int, error) {
	span := opts.VMIDUpper - opts.VMIDLower + 1
	used := make(map[uint64]struct{}, len(existingVMIDs))
	for _, id := range existingVMIDs {
		used[id] = struct{}{}
	}
	start := opts.VMIDLower + rand.Uint64N(span)
	for i := uint64(0); i < span; i++ {
		candidate := opts.VMIDLower + (start-opts.VMIDLower+i)%span
		if _, taken := used[candidate]; !taken {
			return int(candidate), nil
		}
	}
	return 0, fmt.Errorf("no VMIDs available in range [%d,%d]", opts.VMIDLower, opts.VMIDUpper)
}
