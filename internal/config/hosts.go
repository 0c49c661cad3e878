package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultSSHPort = "22"

var (
	// ErrNoHosts is returned when the host catalog lists no hosts.
	ErrNoHosts = errors.New("no hosts configured")

	// ErrInvalidCapacity is returned for a host entry whose capacity is zero
	// or negative.
	ErrInvalidCapacity = errors.New("host capacity must be at least 1")
)

// Host is one remote machine and the number of jobs it may run at once.
type Host struct {
	Address  string `yaml:"address"`
	Capacity int    `yaml:"capacity"`
}

func (h Host) String() string {
	return fmt.Sprintf("%s (capacity %d)", h.Address, h.Capacity)
}

// UnmarshalYAML accepts the three entry shapes found in host catalogs:
//
//	- node01                       # capacity 1
//	- [node02, 4]
//	- {address: node03, capacity: 8}
func (h *Host) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		h.Address = strings.TrimSpace(node.Value)
		h.Capacity = 1
		return nil

	case yaml.SequenceNode:
		if len(node.Content) == 0 || len(node.Content) > 2 {
			return fmt.Errorf("line %d: host pair must be [address] or [address, capacity]", node.Line)
		}
		h.Address = strings.TrimSpace(node.Content[0].Value)
		h.Capacity = 1
		if len(node.Content) == 2 {
			capacity, err := strconv.Atoi(node.Content[1].Value)
			if err != nil {
				return fmt.Errorf("line %d: host capacity %q: %w", node.Line, node.Content[1].Value, err)
			}
			h.Capacity = capacity
		}
		return nil

	case yaml.MappingNode:
		var raw struct {
			Address  string `yaml:"address"`
			Capacity *int   `yaml:"capacity"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		h.Address = strings.TrimSpace(raw.Address)
		h.Capacity = 1
		if raw.Capacity != nil {
			h.Capacity = *raw.Capacity
		}
		return nil
	}
	return fmt.Errorf("line %d: unsupported host entry", node.Line)
}

// Endpoint splits the address into an SSH user and a dialable host:port.
// The user falls back to defaultUser when the address has no "user@" part.
func (h Host) Endpoint(defaultUser string) (user, addr string) {
	rest := h.Address
	user = defaultUser
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		user, rest = rest[:i], rest[i+1:]
	}
	if _, _, err := net.SplitHostPort(rest); err == nil {
		return user, rest
	}
	return user, net.JoinHostPort(strings.Trim(rest, "[]"), defaultSSHPort)
}

type hostCatalog struct {
	Hosts []Host `yaml:"hosts"`
}

// LoadHosts reads and validates the host catalog at path.
func LoadHosts(path string) ([]Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host catalog: %w", err)
	}
	hosts, err := ParseHosts(data)
	if err != nil {
		return nil, fmt.Errorf("host catalog %s: %w", path, err)
	}
	return hosts, nil
}

// ParseHosts decodes a host catalog document and validates it.
func ParseHosts(data []byte) ([]Host, error) {
	var cat hostCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse hosts: %w", err)
	}
	if err := ValidateHosts(cat.Hosts); err != nil {
		return nil, err
	}
	return cat.Hosts, nil
}

// ValidateHosts enforces a non-empty host list with unique addresses and
// positive capacities.
func ValidateHosts(hosts []Host) error {
	if len(hosts) == 0 {
		return ErrNoHosts
	}
	seen := make(map[string]bool, len(hosts))
	for i, h := range hosts {
		if h.Address == "" {
			return fmt.Errorf("host #%d: address is empty", i+1)
		}
		if h.Capacity < 1 {
			return fmt.Errorf("host %s: %w (got %d)", h.Address, ErrInvalidCapacity, h.Capacity)
		}
		if seen[h.Address] {
			return fmt.Errorf("host %s: listed more than once", h.Address)
		}
		seen[h.Address] = true
	}
	return nil
}

// TotalCapacity is the number of jobs the whole cluster can run at once.
func TotalCapacity(hosts []Host) int {
	total := 0
	for _, h := range hosts {
		total += h.Capacity
	}
	return total
}

// Restrict narrows the cluster to the single host named by address.
// Its capacity becomes maxJobs when positive; otherwise a catalogued host
// keeps its own capacity and an uncatalogued one gets the whole cluster's.
func Restrict(hosts []Host, address string, maxJobs int) ([]Host, error) {
	if address == "" {
		return nil, fmt.Errorf("restrict: host address is empty")
	}
	if maxJobs < 0 {
		return nil, fmt.Errorf("restrict: %w (got %d)", ErrInvalidCapacity, maxJobs)
	}

	capacity := TotalCapacity(hosts)
	for _, h := range hosts {
		if h.Address == address {
			capacity = h.Capacity
			break
		}
	}
	if maxJobs > 0 {
		capacity = maxJobs
	}
	if capacity < 1 {
		return nil, fmt.Errorf("restrict %s: %w", address, ErrInvalidCapacity)
	}
	return []Host{{Address: address, Capacity: capacity}}, nil
}
