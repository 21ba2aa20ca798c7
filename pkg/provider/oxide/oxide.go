// Package oxide implements the cardice provider driver for the Oxide rack API.
package oxide

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/oxidecomputer/oxide.go/oxide"

	"github.com/aifoundry-org/cardice/pkg/credentials"
	oxidecli "github.com/aifoundry-org/cardice/pkg/oxide"
	"github.com/aifoundry-org/cardice/pkg/provider"
	"github.com/aifoundry-org/cardice/pkg/util"
)

const (
	// Name is the provider identifier used in profiles.
	Name = "oxide"

	blockSize      = 4096
	defaultProject = "cardice"
	pageLimit      = 32
	pollInterval   = 5 * time.Second
)

func init() {
	provider.Register(Name, New)
}

// Driver talks to one oxide silo project. The API token comes from
// CARDICE_OXIDE_KEY; the host from CARDICE_OXIDE_SECRET, or from the oxide CLI
// profile when the secret is unset.
//
// Recognized profile options: project, profile, config-dir.
type Driver struct {
	client       *oxide.Client
	project      string
	pollInterval time.Duration
}

// New builds an oxide driver.
func New(creds credentials.Credentials, options map[string]string) (provider.Driver, error) {
	host, token := creds.Secret, creds.Key
	if host == "" {
		cliHost, cliToken, err := oxidecli.Credentials(options["config-dir"], options["profile"])
		if err != nil {
			return nil, fmt.Errorf("no oxide host in %s and no usable oxide CLI profile: %w", creds.SecretEnvVar, err)
		}
		host = cliHost
		if token == "" {
			token = cliToken
		}
	}
	project := options["project"]
	if project == "" {
		project = defaultProject
	}
	client, err := oxide.NewClient(&oxide.Config{
		Host:  host,
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Oxide API client: %w", err)
	}
	return &Driver{client: client, project: project, pollInterval: pollInterval}, nil
}

// ListImages returns the project images followed by the silo images.
func (d *Driver) ListImages(ctx context.Context) ([]provider.Image, error) {
	projectImages, err := d.client.ImageListAllPages(ctx, oxide.ImageListParams{
		Project: oxide.NameOrId(d.project),
		Limit:   oxide.NewPointer(pageLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list project images: %w", err)
	}
	globalImages, err := d.client.ImageListAllPages(ctx, oxide.ImageListParams{
		Limit: oxide.NewPointer(pageLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list global images: %w", err)
	}

	var (
		images []provider.Image
		seen   = make(map[string]bool)
	)
	for _, list := range [][]oxide.Image{projectImages, globalImages} {
		for _, image := range list {
			name := string(image.Name)
			if seen[name] {
				continue
			}
			seen[name] = true
			images = append(images, provider.Image{
				ID:        image.Id,
				Name:      name,
				SizeBytes: int64(image.Size),
			})
		}
	}
	return images, nil
}

// ListSizes returns the standard shapes, as oxide instances are sized freely.
func (d *Driver) ListSizes(_ context.Context) ([]provider.Size, error) {
	return provider.StandardSizes, nil
}

func (d *Driver) CreateNode(ctx context.Context, spec provider.NodeSpec) (*provider.Node, error) {
	diskSize := util.RoundUp(max(int64(spec.Size.DiskGB)*util.GiB, spec.Image.SizeBytes), util.GiB)
	instance, err := d.client.InstanceCreate(ctx, oxide.InstanceCreateParams{
		Project: oxide.NameOrId(d.project),
		Body: &oxide.InstanceCreate{
			Name:        oxide.Name(spec.Name),
			Description: spec.Name,
			Hostname:    oxide.Hostname(spec.Name),
			Memory:      oxide.ByteCount(int64(spec.Size.MemoryGB) * util.GiB),
			Ncpus:       oxide.InstanceCpuCount(spec.Size.CPUs),
			BootDisk: &oxide.InstanceDiskAttachment{
				Type: "create",
				DiskSource: oxide.DiskSource{
					Type:      oxide.DiskSourceTypeImage,
					ImageId:   spec.Image.ID,
					BlockSize: blockSize,
				},
				Size:        oxide.ByteCount(diskSize),
				Name:        oxide.Name(spec.Name),
				Description: spec.Name,
			},
			ExternalIps: []oxide.ExternalIpCreate{
				{
					Type: oxide.ExternalIpCreateTypeEphemeral,
				},
			},
			NetworkInterfaces: oxide.InstanceNetworkInterfaceAttachment{
				Type: "default",
			},
			UserData: base64.StdEncoding.EncodeToString([]byte(spec.UserData)),
		},
	})
	if err != nil {
		return nil, err
	}
	return &provider.Node{
		Name:  string(instance.Name),
		ID:    instance.Id,
		State: runState(instance.RunState),
	}, nil
}

func (d *Driver) WaitUntilRunning(ctx context.Context, nodes []provider.Node, timeout time.Duration) ([]provider.Node, error) {
	deadline := time.Now().Add(timeout)
	running := make([]provider.Node, 0, len(nodes))
	for _, node := range nodes {
		err := provider.WaitFor(ctx, d.pollInterval, time.Until(deadline), func(ctx context.Context) (bool, error) {
			instance, err := d.client.InstanceView(ctx, oxide.InstanceViewParams{
				Instance: oxide.NameOrId(node.ID),
			})
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				return false, fmt.Errorf("failed to view instance %s: %w", node.Name, err)
			}
			switch state := runState(instance.RunState); state {
			case provider.StateRunning:
				return true, nil
			case provider.StateFailed, provider.StateTerminated:
				return false, fmt.Errorf("instance %s is %s", node.Name, instance.RunState)
			}
			return false, nil
		})
		if err != nil {
			return nil, err
		}
		address, err := d.externalIP(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		node.PublicAddress = address
		node.State = provider.StateRunning
		running = append(running, node)
	}
	return running, nil
}

func (d *Driver) externalIP(ctx context.Context, instanceID string) (string, error) {
	ipList, err := d.client.InstanceExternalIpList(ctx, oxide.InstanceExternalIpListParams{
		Instance: oxide.NameOrId(instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get external IP list: %w", err)
	}
	if len(ipList.Items) < 1 {
		return "", nil
	}
	return ipList.Items[0].Ip, nil
}

func (d *Driver) ListNodes(ctx context.Context) ([]provider.Node, error) {
	instances, err := d.client.InstanceListAllPages(ctx, oxide.InstanceListParams{
		Project: oxide.NameOrId(d.project),
		Limit:   oxide.NewPointer(pageLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	nodes := make([]provider.Node, 0, len(instances))
	for _, instance := range instances {
		nodes = append(nodes, provider.Node{
			Name:  string(instance.Name),
			ID:    instance.Id,
			State: runState(instance.RunState),
		})
	}
	return nodes, nil
}

func (d *Driver) StopNode(ctx context.Context, node provider.Node) error {
	if _, err := d.client.InstanceStop(ctx, oxide.InstanceStopParams{
		Instance: oxide.NameOrId(node.ID),
	}); err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", node.Name, err)
	}
	return nil
}

// DestroyNode stops the instance, waits for it to be stopped, then deletes it.
func (d *Driver) DestroyNode(ctx context.Context, node provider.Node) error {
	instance, err := d.client.InstanceView(ctx, oxide.InstanceViewParams{
		Instance: oxide.NameOrId(node.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to view instance %s: %w", node.Name, err)
	}
	if string(instance.RunState) != "stopped" {
		if err := d.StopNode(ctx, node); err != nil {
			return err
		}
		if err := provider.WaitFor(ctx, d.pollInterval, 5*time.Minute, func(ctx context.Context) (bool, error) {
			instance, err := d.client.InstanceView(ctx, oxide.InstanceViewParams{
				Instance: oxide.NameOrId(node.ID),
			})
			if err != nil {
				return false, err
			}
			return string(instance.RunState) == "stopped", nil
		}); err != nil {
			return fmt.Errorf("instance %s did not stop: %w", node.Name, err)
		}
	}
	if err := d.client.InstanceDelete(ctx, oxide.InstanceDeleteParams{
		Instance: oxide.NameOrId(node.ID),
	}); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", node.Name, err)
	}
	return nil
}

func runState(state oxide.InstanceState) provider.State {
	switch string(state) {
	case "creating", "starting", "rebooting", "migrating", "repairing":
		return provider.StateCreating
	case "running":
		return provider.StateRunning
	case "stopping", "stopped":
		return provider.StateStopped
	case "failed":
		return provider.StateFailed
	case "destroyed":
		return provider.StateTerminated
	}
	return provider.StateUnknown
}
