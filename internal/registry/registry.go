// Package registry loads the agents, protocols and privileged rosters the
// sentinel is allowed to act for, and reloads them when the file changes.
package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Agent is a pipeline identity that may submit reports.
type Agent struct {
	ID     string `yaml:"id" json:"id"`
	Active bool   `yaml:"active" json:"active"`
}

// Protocol is a monitored protocol deployment.
type Protocol struct {
	Address string `yaml:"address" json:"address"`
	ChainID uint64 `yaml:"chainId" json:"chainId"`
	Name    string `yaml:"name" json:"name"`
	Active  bool   `yaml:"active" json:"active"`
}

// Addr returns the parsed protocol address.
func (p Protocol) Addr() common.Address {
	return common.HexToAddress(p.Address)
}

// Snapshot is one consistent view of the registry file.
type Snapshot struct {
	Agents    []Agent    `yaml:"agents" json:"agents"`
	Protocols []Protocol `yaml:"protocols" json:"protocols"`
	Guardians []string   `yaml:"guardians" json:"guardians"`
	Operators []string   `yaml:"operators" json:"operators"`

	// Digest is the sha256 of the file content this snapshot came from.
	Digest string `yaml:"-" json:"digest"`
}

// Parse decodes and validates a registry document.
func Parse(data []byte) (*Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty registry")
	}
	s := &Snapshot{}
	if err := yaml.UnmarshalStrict(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.Digest = digest(data)
	return s, nil
}

// Load reads and parses the registry file at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return Parse(data)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Snapshot) validate() error {
	agents := sets.New[string]()
	for i, a := range s.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agents[%d]: empty id", i)
		}
		if agents.Has(a.ID) {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		agents.Insert(a.ID)
	}
	protocols := sets.New[common.Address]()
	for i, p := range s.Protocols {
		if !common.IsHexAddress(p.Address) {
			return fmt.Errorf("protocols[%d]: invalid address %q", i, p.Address)
		}
		addr := p.Addr()
		if addr == (common.Address{}) {
			return fmt.Errorf("protocols[%d]: zero address", i)
		}
		if protocols.Has(addr) {
			return fmt.Errorf("protocols[%d]: duplicate address %s", i, addr.Hex())
		}
		protocols.Insert(addr)
	}
	return nil
}

// ActiveAgents returns the ids of active agents.
func (s *Snapshot) ActiveAgents() []string {
	out := make([]string, 0, len(s.Agents))
	for _, a := range s.Agents {
		if a.Active {
			out = append(out, a.ID)
		}
	}
	return out
}

// ActiveProtocols returns the addresses of active protocols.
func (s *Snapshot) ActiveProtocols() []common.Address {
	out := make([]common.Address, 0, len(s.Protocols))
	for _, p := range s.ActiveProtocolEntries() {
		out = append(out, p.Addr())
	}
	return out
}

// ActiveProtocolEntries returns the active protocol entries in file order.
func (s *Snapshot) ActiveProtocolEntries() []Protocol {
	out := make([]Protocol, 0, len(s.Protocols))
	for _, p := range s.Protocols {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Protocol looks up a protocol by address, active or not.
func (s *Snapshot) Protocol(addr common.Address) (Protocol, bool) {
	for _, p := range s.Protocols {
		if p.Addr() == addr {
			return p, true
		}
	}
	return Protocol{}, false
}
