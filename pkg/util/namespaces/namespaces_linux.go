// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package namespaces describes the namespace plan executed by the starter:
// which namespaces are created, which are joined from an existing process,
// and kind specific options like mount propagation and loopback bring-up.
package namespaces

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind identifies a Linux namespace kind.
type Kind string

// Namespace kinds, named after their /proc/<pid>/ns entries.
const (
	User    Kind = "user"
	Mount   Kind = "mnt"
	PID     Kind = "pid"
	Network Kind = "net"
	IPC     Kind = "ipc"
	UTS     Kind = "uts"
	Cgroup  Kind = "cgroup"
)

// Kinds lists all supported namespace kinds in setup order: the user
// namespace always comes first because it defines the privilege context
// for the others, the mount namespace comes last because its propagation
// setup depends on every other namespace being in place.
var Kinds = []Kind{User, PID, UTS, IPC, Network, Cgroup, Mount}

// CloneFlag returns the clone flag corresponding to the namespace kind.
func (k Kind) CloneFlag() uintptr {
	switch k {
	case User:
		return unix.CLONE_NEWUSER
	case Mount:
		return unix.CLONE_NEWNS
	case PID:
		return unix.CLONE_NEWPID
	case Network:
		return unix.CLONE_NEWNET
	case IPC:
		return unix.CLONE_NEWIPC
	case UTS:
		return unix.CLONE_NEWUTS
	case Cgroup:
		return unix.CLONE_NEWCGROUP
	}
	return 0
}

func (k Kind) valid() bool {
	return k.CloneFlag() != 0
}

// Mode tells the starter what to do for a namespace kind.
type Mode int

const (
	// NoNamespace leaves the corresponding namespace untouched.
	NoNamespace Mode = iota
	// CreateNamespace creates a new namespace of the corresponding kind.
	CreateNamespace
	// EnterNamespace joins the namespace referenced by the descriptor path.
	EnterNamespace
)

func (m Mode) String() string {
	switch m {
	case NoNamespace:
		return "none"
	case CreateNamespace:
		return "create"
	case EnterNamespace:
		return "enter"
	}
	return "unknown"
}

// NamespaceError is reported when a namespace can not be created or
// joined, or when the loopback interface can not be brought up. A
// partially isolated namespace state is a security hazard, so every
// error of this kind aborts the launch.
type NamespaceError struct {
	Kind Kind
	Err  error
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("%s namespace setup failed: %s", e.Kind, e.Err)
}

func (e *NamespaceError) Unwrap() error {
	return e.Err
}

// Descriptor is the per-kind namespace configuration. It is fixed for
// the duration of one container launch: namespaces once created or
// joined are never re-configured, only entered by later stages.
type Descriptor struct {
	Kind Kind   `json:"kind"`
	Mode Mode   `json:"mode"`
	Path string `json:"path,omitempty"`

	// MountPropagation is only valid for the mount namespace and holds
	// one of shared, rshared, slave, rslave, private, rprivate,
	// unbindable, runbindable.
	MountPropagation string `json:"mountPropagation,omitempty"`

	// BringLoopback is only valid for the network namespace and asks
	// the starter to bring the loopback interface up right after the
	// namespace becomes active.
	BringLoopback bool `json:"bringLoopback,omitempty"`
}

// Validate checks descriptor consistency. EnterNamespace strictly
// requires a join path, it never falls back to another mode.
func (d Descriptor) Validate() error {
	if !d.Kind.valid() {
		return fmt.Errorf("unknown namespace kind %q", d.Kind)
	}
	switch d.Mode {
	case NoNamespace, CreateNamespace:
		if d.Path != "" {
			return fmt.Errorf("%s namespace: join path set with mode %s", d.Kind, d.Mode)
		}
	case EnterNamespace:
		if d.Path == "" {
			return fmt.Errorf("%s namespace: mode enter requires a join path", d.Kind)
		}
	default:
		return fmt.Errorf("%s namespace: unknown mode %d", d.Kind, d.Mode)
	}
	if d.MountPropagation != "" {
		if d.Kind != Mount {
			return fmt.Errorf("%s namespace: mount propagation is only valid for the mount namespace", d.Kind)
		}
		if _, ok := propagationFlags[d.MountPropagation]; !ok {
			return fmt.Errorf("unknown mount propagation %q", d.MountPropagation)
		}
	}
	if d.BringLoopback && d.Kind != Network {
		return fmt.Errorf("%s namespace: loopback bring-up is only valid for the network namespace", d.Kind)
	}
	return nil
}

// Plan orders descriptors in dependency order, dropping NoNamespace
// entries. The user namespace is always first so that later namespace
// requests are evaluated against the new identity, the mount namespace
// is always last so that propagation setup happens once everything
// else is in place.
func Plan(descriptors []Descriptor) []Descriptor {
	var plan []Descriptor
	for _, kind := range Kinds {
		for _, d := range descriptors {
			if d.Kind == kind && d.Mode != NoNamespace {
				plan = append(plan, d)
			}
		}
	}
	return plan
}

// CloneFlags returns the combined clone flags for every descriptor in
// CreateNamespace mode.
func CloneFlags(descriptors []Descriptor) uintptr {
	var flags uintptr
	for _, d := range descriptors {
		if d.Mode == CreateNamespace {
			flags |= d.Kind.CloneFlag()
		}
	}
	return flags
}

var propagationFlags = map[string]uintptr{
	"shared":      unix.MS_SHARED,
	"rshared":     unix.MS_SHARED | unix.MS_REC,
	"slave":       unix.MS_SLAVE,
	"rslave":      unix.MS_SLAVE | unix.MS_REC,
	"private":     unix.MS_PRIVATE,
	"rprivate":    unix.MS_PRIVATE | unix.MS_REC,
	"unbindable":  unix.MS_UNBINDABLE,
	"runbindable": unix.MS_UNBINDABLE | unix.MS_REC,
}

// PropagationFlags returns the mount flags for a propagation mode name.
func PropagationFlags(propagation string) (uintptr, error) {
	flags, ok := propagationFlags[propagation]
	if !ok {
		return 0, fmt.Errorf("unknown mount propagation %q", propagation)
	}
	return flags, nil
}

// SetPropagation applies the propagation mode on the root of the
// current mount namespace.
func SetPropagation(propagation string) error {
	flags, err := PropagationFlags(propagation)
	if err != nil {
		return &NamespaceError{Kind: Mount, Err: err}
	}
	if err := unix.Mount("", "/", "", flags, ""); err != nil {
		return &NamespaceError{Kind: Mount, Err: fmt.Errorf("while setting %s propagation: %s", propagation, err)}
	}
	return nil
}
