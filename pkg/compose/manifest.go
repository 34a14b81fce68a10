// Package compose models the docker compose manifest a cluster is started
// from and drives the compose tool against it.
package compose

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the subset of the compose file format doppler writes and
// reads back. Service keys are container names.
type Manifest struct {
	Services map[string]*Service `yaml:"services"`
	Networks map[string]*Network `yaml:"networks,omitempty"`
}

// Service is one container definition.
type Service struct {
	Image         string                     `yaml:"image"`
	ContainerName string                     `yaml:"container_name"`
	Hostname      string                     `yaml:"hostname,omitempty"`
	User          string                     `yaml:"user,omitempty"`
	Command       []string                   `yaml:"command,omitempty"`
	Ports         []string                   `yaml:"ports,omitempty"`
	Volumes       []string                   `yaml:"volumes,omitempty"`
	Environment   map[string]string          `yaml:"environment,omitempty"`
	EnvFile       []string                   `yaml:"env_file,omitempty"`
	DependsOn     []string                   `yaml:"depends_on,omitempty"`
	Networks      map[string]*ServiceNetwork `yaml:"networks,omitempty"`
	Restart       string                     `yaml:"restart,omitempty"`
}

// ServiceNetwork pins a service to a static address on a network.
type ServiceNetwork struct {
	IPv4Address string `yaml:"ipv4_address,omitempty"`
}

// Network is a user-defined bridge network.
type Network struct {
	Driver string `yaml:"driver,omitempty"`
	IPAM   *IPAM  `yaml:"ipam,omitempty"`
}

// IPAM holds the address pools of a network.
type IPAM struct {
	Config []IPAMPool `yaml:"config"`
}

// IPAMPool is one subnet with its gateway.
type IPAMPool struct {
	Subnet  string `yaml:"subnet"`
	Gateway string `yaml:"gateway,omitempty"`
}

// NewManifest creates an empty manifest with one bridge network.
func NewManifest(network, subnet, gateway string) *Manifest {
	return &Manifest{
		Services: make(map[string]*Service),
		Networks: map[string]*Network{
			network: {
				Driver: "bridge",
				IPAM: &IPAM{
					Config: []IPAMPool{{Subnet: subnet, Gateway: gateway}},
				},
			},
		},
	}
}

// AddService registers svc under its container name. Names are unique.
func (m *Manifest) AddService(svc *Service) error {
	if svc.ContainerName == "" {
		return fmt.Errorf("service has no container name")
	}
	if m.Services == nil {
		m.Services = make(map[string]*Service)
	}
	if _, exists := m.Services[svc.ContainerName]; exists {
		return fmt.Errorf("service %s already defined", svc.ContainerName)
	}
	m.Services[svc.ContainerName] = svc
	return nil
}

// Service returns the service with the given container name.
func (m *Manifest) Service(name string) (*Service, bool) {
	svc, ok := m.Services[name]
	return svc, ok
}

// ServiceNames returns the container names in sorted order.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IPv4 returns the first static address of the service, if any.
func (s *Service) IPv4() string {
	names := make([]string, 0, len(s.Networks))
	for name := range s.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if n := s.Networks[name]; n != nil && n.IPv4Address != "" {
			return n.IPv4Address
		}
	}
	return ""
}

// PublishedPort returns the host side of the first "host:container" port
// mapping whose container side is containerPort.
func (s *Service) PublishedPort(containerPort string) (string, bool) {
	for _, mapping := range s.Ports {
		parts := strings.Split(mapping, ":")
		if len(parts) < 2 {
			continue
		}
		if parts[len(parts)-1] == containerPort {
			return parts[len(parts)-2], true
		}
	}
	return "", false
}

// Marshal encodes the manifest as YAML with two space indentation.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the manifest to path, creating parent directories.
func (m *Manifest) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Load reads a manifest written by Save or by hand.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Services == nil {
		m.Services = make(map[string]*Service)
	}
	for name, svc := range m.Services {
		if svc == nil {
			return nil, fmt.Errorf("service %s is empty", name)
		}
		if svc.ContainerName == "" {
			svc.ContainerName = name
		}
	}
	return &m, nil
}
