// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package rpc

import (
	"fmt"
	"os"
)

// ChannelError describes a broken or unexpectedly closed RPC channel
// between stage2/master and the RPC server process.
type ChannelError struct {
	Method string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rpc channel failure during %s: %s", e.Method, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// MkdirArgs defines the arguments to mkdir.
type MkdirArgs struct {
	Path string
	Perm os.FileMode
}

// MountArgs defines the arguments to mount.
type MountArgs struct {
	Source     string
	Target     string
	Filesystem string
	Mountflags uintptr
	Data       string
}

// UmountArgs defines the arguments to umount.
type UmountArgs struct {
	Target string
	Flags  int
}

// ChrootArgs defines the arguments to chroot.
type ChrootArgs struct {
	Root   string
	Method string
}

// HostnameArgs defines the arguments to sethostname.
type HostnameArgs struct {
	Hostname string
}

// ChdirArgs defines the arguments to chdir.
type ChdirArgs struct {
	Dir string
}

// HasNamespaceArgs defines the arguments to compare a host namespace
// with the RPC server process namespace.
type HasNamespaceArgs struct {
	Pid    int
	NsType string
}

// SetFsIDArgs defines the arguments to setfsid.
type SetFsIDArgs struct {
	UID int
	GID int
}
