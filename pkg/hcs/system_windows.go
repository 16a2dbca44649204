//go:build windows

package hcs

import (
	"fmt"
	"path/filepath"

	"github.com/Microsoft/hcsshim"
	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/log"
	"github.com/chefbuild/containerv/pkg/oci"
)

const (
	// guestRootfsPath is where the LCOW guest sees the bundle rootfs
	guestRootfsPath = "/chef/rootfs"

	// guestStagingPath is where the LCOW guest sees the host transfer
	// area
	guestStagingPath = "/chef/staging"
)

// WCOWOptions describes a native Windows container.
type WCOWOptions struct {
	ID          string
	LayerFolder string
	HyperV      bool
	Hostname    string
}

// LCOWOptions describes a Linux container hosted in a utility VM.
type LCOWOptions struct {
	ID         string
	BundlePath oci.Paths
	StagingDir string
	UVMImage   string
	Hostname   string
}

// System is the realized HCS backend of a container.
type System struct {
	ID         string
	Compute    ComputeSystem
	EndpointID string

	api ComputeAPI
}

// chainToLayers converts resolved parent folders to the provider's
// layer records.
func chainToLayers(api ComputeAPI, chain []string) ([]hcsshim.Layer, error) {
	layers := make([]hcsshim.Layer, 0, len(chain))
	for _, path := range chain {
		guid, err := api.NameToGuid(filepath.Base(path))
		if err != nil {
			return nil, err
		}
		layers = append(layers, hcsshim.Layer{ID: guid, Path: path})
	}
	return layers, nil
}

// CreateWCOW stands up a native Windows compute system from a
// windowsfilter layer folder, optionally Hyper-V isolated.
func CreateWCOW(api ComputeAPI, opts WCOWOptions) (*System, error) {
	chain, err := ReadLayerChain(opts.LayerFolder)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("layer chain of %s is empty: %w", opts.LayerFolder, errdefs.ErrInvalidArgument)
	}

	config := &hcsshim.ContainerConfig{
		SystemType:                  "Container",
		Name:                        opts.ID,
		Owner:                       "containerv",
		LayerFolderPath:             opts.LayerFolder,
		HostName:                    opts.Hostname,
		IgnoreFlushesDuringBoot:     true,
		TerminateOnLastHandleClosed: true,
	}

	layers, err := chainToLayers(api, chain)
	if err != nil {
		return nil, err
	}
	config.Layers = layers

	if opts.HyperV {
		base := chain[len(chain)-1]
		if err := ValidateUtilityVM(base); err != nil {
			return nil, err
		}
		config.HvPartition = true
		config.HvRuntime = &hcsshim.HvRuntime{
			ImagePath: filepath.Join(base, "UtilityVM"),
		}
	}

	return createAndStart(api, opts.ID, config)
}

// CreateLCOW stands up a utility VM hosting a Linux container whose
// OCI bundle is mapped into the guest.
func CreateLCOW(api ComputeAPI, opts LCOWOptions) (*System, error) {
	if opts.UVMImage == "" {
		return nil, fmt.Errorf("utility VM image path is required: %w", errdefs.ErrInvalidArgument)
	}

	config := &hcsshim.ContainerConfig{
		SystemType:                  "Container",
		Name:                        opts.ID,
		Owner:                       "containerv",
		HostName:                    opts.Hostname,
		ContainerType:               "Linux",
		HvPartition:                 true,
		TerminateOnLastHandleClosed: true,
		HvRuntime: &hcsshim.HvRuntime{
			ImagePath:       opts.UVMImage,
			LinuxInitrdFile: "initrd.img",
			LinuxKernelFile: "kernel",
		},
		MappedDirectories: []hcsshim.MappedDir{
			{
				HostPath:          opts.BundlePath.RootfsDir,
				ContainerPath:     guestRootfsPath,
				CreateInUtilityVM: true,
			},
			{
				HostPath:          opts.StagingDir,
				ContainerPath:     guestStagingPath,
				CreateInUtilityVM: true,
			},
		},
	}

	return createAndStart(api, opts.ID, config)
}

func createAndStart(api ComputeAPI, id string, config *hcsshim.ContainerConfig) (*System, error) {
	system, err := api.CreateComputeSystem(id, config)
	if err != nil {
		return nil, err
	}
	if err := system.Start(); err != nil {
		system.Terminate()
		system.Close()
		return nil, fmt.Errorf("start compute system %s: %v: %w", id, err, errdefs.ErrUnavailable)
	}
	return &System{ID: id, Compute: system, api: api}, nil
}

// AttachEndpoint creates an HNS endpoint on the named network and
// attaches it to the compute system.
func (s *System) AttachEndpoint(networkName string) error {
	network, err := s.api.NetworkByName(networkName)
	if err != nil {
		return err
	}

	endpoint, err := s.api.CreateEndpoint(&hcsshim.HNSEndpoint{
		Name:           s.ID + "-ep",
		VirtualNetwork: network.Id,
	})
	if err != nil {
		return err
	}

	if err := s.api.AttachEndpoint(s.ID, endpoint.Id); err != nil {
		s.api.DeleteEndpoint(endpoint.Id)
		return err
	}
	s.EndpointID = endpoint.Id
	return nil
}

// Teardown stops the compute system and removes the endpoint. Every
// step is best-effort.
func (s *System) Teardown() {
	logger := log.WithContainerID(s.ID)

	if s.EndpointID != "" {
		if err := s.api.DeleteEndpoint(s.EndpointID); err != nil {
			logger.Debug().Err(err).Msg("endpoint delete")
		}
		s.EndpointID = ""
	}
	if s.Compute != nil {
		if err := s.Compute.Shutdown(); err != nil {
			if err := s.Compute.Terminate(); err != nil {
				logger.Debug().Err(err).Msg("compute terminate")
			}
		}
		if err := s.Compute.Close(); err != nil {
			logger.Debug().Err(err).Msg("compute close")
		}
		s.Compute = nil
	}
}
