//go:build windows

package hcs

import (
	"fmt"

	"github.com/Microsoft/hcsshim"
	"github.com/containerd/errdefs"
)

// ComputeSystem is one running compute system, Windows or utility-VM
// hosted.
type ComputeSystem interface {
	Start() error
	Shutdown() error
	Terminate() error
	Close() error
	CreateProcess(config *hcsshim.ProcessConfig) (hcsshim.Process, error)
}

// ComputeAPI is the capability set over the host compute service. It
// is resolved once at startup; everything else consumes the interface
// so tests can substitute a fake.
type ComputeAPI interface {
	CreateComputeSystem(id string, config *hcsshim.ContainerConfig) (ComputeSystem, error)
	NameToGuid(name string) (string, error)
	AttachEndpoint(systemID, endpointID string) error
	CreateEndpoint(endpoint *hcsshim.HNSEndpoint) (*hcsshim.HNSEndpoint, error)
	DeleteEndpoint(endpointID string) error
	NetworkByName(name string) (*hcsshim.HNSNetwork, error)
}

// shimAPI backs ComputeAPI with the hcsshim provider bindings.
type shimAPI struct{}

// ResolveComputeAPI locates the compute service provider. The
// provider DLLs are loaded lazily by the bindings, so resolution never
// touches the service itself.
func ResolveComputeAPI() (ComputeAPI, error) {
	return &shimAPI{}, nil
}

func (s *shimAPI) CreateComputeSystem(id string, config *hcsshim.ContainerConfig) (ComputeSystem, error) {
	system, err := hcsshim.CreateContainer(id, config)
	if err != nil {
		return nil, fmt.Errorf("create compute system %s: %v: %w", id, err, errdefs.ErrUnavailable)
	}
	return system, nil
}

func (s *shimAPI) NameToGuid(name string) (string, error) {
	guid, err := hcsshim.NameToGuid(name)
	if err != nil {
		return "", fmt.Errorf("name to guid %s: %v: %w", name, err, errdefs.ErrUnavailable)
	}
	return guid.ToString(), nil
}

func (s *shimAPI) AttachEndpoint(systemID, endpointID string) error {
	if err := hcsshim.HotAttachEndpoint(systemID, endpointID); err != nil {
		return fmt.Errorf("attach endpoint %s: %v: %w", endpointID, err, errdefs.ErrUnavailable)
	}
	return nil
}

func (s *shimAPI) CreateEndpoint(endpoint *hcsshim.HNSEndpoint) (*hcsshim.HNSEndpoint, error) {
	created, err := endpoint.Create()
	if err != nil {
		return nil, fmt.Errorf("create endpoint %s: %v: %w", endpoint.Name, err, errdefs.ErrUnavailable)
	}
	return created, nil
}

func (s *shimAPI) DeleteEndpoint(endpointID string) error {
	endpoint, err := hcsshim.GetHNSEndpointByID(endpointID)
	if err != nil {
		return nil
	}
	if _, err := endpoint.Delete(); err != nil {
		return fmt.Errorf("delete endpoint %s: %v: %w", endpointID, err, errdefs.ErrUnavailable)
	}
	return nil
}

func (s *shimAPI) NetworkByName(name string) (*hcsshim.HNSNetwork, error) {
	network, err := hcsshim.GetHNSNetworkByName(name)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", name, errdefs.ErrNotFound)
	}
	return network, nil
}
