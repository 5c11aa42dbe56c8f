// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package namespaces

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Join joins the namespace referenced by the descriptor path. The caller
// must be locked on its OS thread since setns affects the calling thread
// only, the starter routes this through the mainthread executor.
func (d Descriptor) Join() error {
	if d.Mode != EnterNamespace {
		return &NamespaceError{Kind: d.Kind, Err: fmt.Errorf("namespace is not in enter mode")}
	}
	if err := d.Validate(); err != nil {
		return &NamespaceError{Kind: d.Kind, Err: err}
	}

	fd, err := unix.Open(d.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &NamespaceError{Kind: d.Kind, Err: fmt.Errorf("can't open namespace path %s: %s", d.Path, err)}
	}
	defer unix.Close(fd)

	if err := unix.Setns(fd, int(d.Kind.CloneFlag())); err != nil {
		return &NamespaceError{Kind: d.Kind, Err: fmt.Errorf("while joining %s: %s", d.Path, err)}
	}

	return nil
}

// Enter joins the namespace of the provided process. It is a convenience
// wrapper used by the RPC server process to move inside the container
// namespaces before serving requests.
func Enter(pid int, kind Kind) error {
	d := Descriptor{
		Kind: kind,
		Mode: EnterNamespace,
		Path: fmt.Sprintf("/proc/%d/ns/%s", pid, kind),
	}
	return d.Join()
}

// HasNamespace compares the provided process namespace with the
// corresponding namespace of the calling process. It returns true
// when the two processes do not share the namespace.
func HasNamespace(pid int, kind Kind) (bool, error) {
	var st1 unix.Stat_t
	var st2 unix.Stat_t

	processOne := fmt.Sprintf("/proc/%d/ns/%s", pid, kind)
	processTwo := fmt.Sprintf("/proc/self/ns/%s", kind)

	if err := unix.Stat(processOne, &st1); err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, &NamespaceError{Kind: kind, Err: err}
	}
	if err := unix.Stat(processTwo, &st2); err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, &NamespaceError{Kind: kind, Err: err}
	}

	return st1.Ino != st2.Ino, nil
}
