// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package starter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/vzokay/apptainer/internal/pkg/idmap"
	"github.com/vzokay/apptainer/pkg/util/capabilities"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
)

const (
	// MaxGID is the maximum number of target GIDs a container
	// process can be given.
	MaxGID = 32

	// MaxStarterFds is the maximum number of inherited file
	// descriptors allowed to survive into later stages.
	MaxStarterFds = 1024

	// MaxPathSize is the maximum length accepted for any path
	// carried by the configuration.
	MaxPathSize = 4096

	// maxConfigSize bounds the serialized configuration read back
	// by the starter binary.
	maxConfigSize = 256 * 1024
)

// ConfigError describes a malformed or out of bounds starter
// configuration, reported before any process is spawned.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid starter configuration %s: %s", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configError(field string, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Privileges is the privilege plan for a container launch: identity
// mapping, target identity, capability sets and the no new privileges
// flag applied before the payload exec.
type Privileges struct {
	NoNewPrivs     bool                   `json:"noNewPrivs"`
	UIDMap         []specs.LinuxIDMapping `json:"uidMap,omitempty"`
	GIDMap         []specs.LinuxIDMapping `json:"gidMap,omitempty"`
	AllowSetgroups bool                   `json:"allowSetgroups"`
	NewUIDMapPath  string                 `json:"newUidMapPath,omitempty"`
	NewGIDMapPath  string                 `json:"newGidMapPath,omitempty"`
	TargetUID      int                    `json:"targetUID"`
	TargetGID      []int                  `json:"targetGID,omitempty"`
	Capabilities   capabilities.Set       `json:"capabilities"`
}

// Container describes the desired final state of the container
// process: identity, privilege plan and namespace plan.
type Container struct {
	Pid        int                     `json:"pid,omitempty"`
	IsInstance bool                    `json:"isInstance"`
	Privileges Privileges              `json:"privileges"`
	Namespaces []namespaces.Descriptor `json:"namespaces,omitempty"`
}

// Starter holds starter level behavior flags and the descriptors
// that must remain open across the stage execs.
type Starter struct {
	WorkingDirectoryFd   int   `json:"workingDirectoryFd"`
	Fds                  []int `json:"fds,omitempty"`
	IsSuid               bool  `json:"isSuid"`
	MasterPropagateMount bool  `json:"masterPropagateMount"`
	HybridWorkflow       bool  `json:"hybridWorkflow"`
	NvCCLICaps           bool  `json:"nvCCLICaps"`
}

// Config is the aggregate configuration consumed by the starter
// binary, owned by the stage orchestrator for one launch.
type Config struct {
	Container Container `json:"container"`
	Starter   Starter   `json:"starter"`
}

// NewConfig returns a Config with the fields requiring a non zero
// default initialized.
func NewConfig() *Config {
	return &Config{
		Starter: Starter{
			WorkingDirectoryFd: -1,
		},
	}
}

// NamespaceDescriptor returns the descriptor for the given namespace
// kind, or nil if the configuration does not mention it.
func (c *Config) NamespaceDescriptor(kind namespaces.Kind) *namespaces.Descriptor {
	for i := range c.Container.Namespaces {
		if c.Container.Namespaces[i].Kind == kind {
			return &c.Container.Namespaces[i]
		}
	}
	return nil
}

// UserNamespaceCreated reports whether the namespace plan creates a
// new user namespace. Identity mapping installation only applies in
// that case, a joined namespace already carries its mapping.
func (c *Config) UserNamespaceCreated() bool {
	d := c.NamespaceDescriptor(namespaces.User)
	return d != nil && d.Mode == namespaces.CreateNamespace
}

// IdentityMapping returns the identity mapping configuration derived
// from the privilege plan.
func (c *Config) IdentityMapping() idmap.Config {
	p := c.Container.Privileges
	return idmap.Config{
		UIDMap:         p.UIDMap,
		GIDMap:         p.GIDMap,
		AllowSetgroups: p.AllowSetgroups,
		NewUIDMapPath:  p.NewUIDMapPath,
		NewGIDMapPath:  p.NewGIDMapPath,
	}
}

// Validate checks every bound and invariant the configuration must
// satisfy. It is called by stage1 before any fork so that a bad
// configuration can never produce a partially privileged process.
func (c *Config) Validate() error {
	if err := c.validateNamespaces(); err != nil {
		return err
	}
	if err := c.validatePrivileges(); err != nil {
		return err
	}
	return c.validateStarter()
}

func (c *Config) validateNamespaces() error {
	seen := make(map[namespaces.Kind]bool)
	for _, d := range c.Container.Namespaces {
		if seen[d.Kind] {
			return configError("namespaces", "duplicate descriptor for %s namespace", d.Kind)
		}
		seen[d.Kind] = true
		if len(d.Path) > MaxPathSize {
			return configError("namespaces", "%s namespace path too long", d.Kind)
		}
		if err := d.Validate(); err != nil {
			return &ConfigError{Field: "namespaces", Err: err}
		}
	}
	return nil
}

func (c *Config) validatePrivileges() error {
	p := c.Container.Privileges

	if len(p.TargetGID) > MaxGID {
		return configError("targetGID", "too many GIDs: %d (limit %d)", len(p.TargetGID), MaxGID)
	}
	if len(p.NewUIDMapPath) > MaxPathSize || len(p.NewGIDMapPath) > MaxPathSize {
		return configError("idmap", "identity mapping helper path too long")
	}

	if len(p.UIDMap) > 0 {
		if _, err := idmap.Format(p.UIDMap); err != nil {
			return &ConfigError{Field: "uidMap", Err: err}
		}
		if !mappedID(p.UIDMap, p.TargetUID) {
			return configError("targetUID", "UID %d not covered by the UID map", p.TargetUID)
		}
	}
	if len(p.GIDMap) > 0 {
		if _, err := idmap.Format(p.GIDMap); err != nil {
			return &ConfigError{Field: "gidMap", Err: err}
		}
		for _, gid := range p.TargetGID {
			if !mappedID(p.GIDMap, gid) {
				return configError("targetGID", "GID %d not covered by the GID map", gid)
			}
		}
	}

	if err := p.Capabilities.Validate(); err != nil {
		return &ConfigError{Field: "capabilities", Err: err}
	}
	return nil
}

func (c *Config) validateStarter() error {
	s := c.Starter

	if len(s.Fds) > MaxStarterFds {
		return configError("fds", "too many inherited descriptors: %d (limit %d)", len(s.Fds), MaxStarterFds)
	}
	seen := make(map[int]bool)
	for _, fd := range s.Fds {
		if fd < 0 {
			return configError("fds", "negative file descriptor %d", fd)
		}
		if seen[fd] {
			return configError("fds", "duplicate file descriptor %d", fd)
		}
		seen[fd] = true
	}
	if s.WorkingDirectoryFd < -1 {
		return configError("workingDirectoryFd", "invalid descriptor %d", s.WorkingDirectoryFd)
	}
	return nil
}

// mappedID reports whether id falls within one of the container side
// ranges declared by the mapping table.
func mappedID(mappings []specs.LinuxIDMapping, id int) bool {
	if id < 0 {
		return false
	}
	for _, m := range mappings {
		if uint32(id) >= m.ContainerID && uint32(id) < m.ContainerID+m.Size {
			return true
		}
	}
	return false
}

// Write serializes the configuration as length prefixed JSON. The
// length prefix lets the reading side allocate exactly once and
// detect truncated transfers.
func (c *Config) Write(w io.Writer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return configError("config", "while marshaling configuration: %s", err)
	}
	if len(data) > maxConfigSize {
		return configError("config", "configuration too big: %d bytes (limit %d)", len(data), maxConfigSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("while writing configuration size: %s", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("while writing configuration: %s", err)
	}
	return nil
}

// Read deserializes a configuration previously written with Write
// and validates it before returning it.
func Read(r io.Reader) (*Config, error) {
	var size uint32

	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("while reading configuration size: %s", err)
	}
	if size == 0 || size > maxConfigSize {
		return nil, configError("config", "bad configuration size %d", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("while reading configuration: %s", err)
	}

	c := NewConfig()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, configError("config", "while parsing configuration: %s", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
