// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package client

import (
	"net/rpc"
	"os"

	args "github.com/vzokay/apptainer/internal/pkg/runtime/engine/rpc"
)

// RPC holds the state necessary for remote procedure calls. It is the
// client surface engines use from CreateContainer to drive privileged
// filesystem setup through the server joined to the container
// namespaces.
type RPC struct {
	Client *rpc.Client
	Name   string
}

// call performs the named call and wraps transport failures so the
// caller can distinguish a broken channel from a remote error.
func (t *RPC) call(method string, arguments interface{}, reply interface{}) error {
	if err := t.Client.Call(t.Name+"."+method, arguments, reply); err != nil {
		if err == rpc.ErrShutdown {
			return &args.ChannelError{Method: method, Err: err}
		}
		if _, ok := err.(rpc.ServerError); !ok {
			return &args.ChannelError{Method: method, Err: err}
		}
		return err
	}
	return nil
}

// Mount calls the mount RPC using the supplied arguments.
func (t *RPC) Mount(source string, target string, filesystem string, flags uintptr, data string) error {
	arguments := &args.MountArgs{
		Source:     source,
		Target:     target,
		Filesystem: filesystem,
		Mountflags: flags,
		Data:       data,
	}
	return t.call("Mount", arguments, nil)
}

// Umount calls the umount RPC using the supplied arguments.
func (t *RPC) Umount(target string, flags int) error {
	arguments := &args.UmountArgs{
		Target: target,
		Flags:  flags,
	}
	return t.call("Umount", arguments, nil)
}

// Mkdir calls the mkdir RPC using the supplied arguments.
func (t *RPC) Mkdir(path string, perm os.FileMode) error {
	arguments := &args.MkdirArgs{
		Path: path,
		Perm: perm,
	}
	return t.call("Mkdir", arguments, nil)
}

// Chroot calls the chroot RPC using the supplied arguments.
func (t *RPC) Chroot(root string, method string) (int, error) {
	arguments := &args.ChrootArgs{
		Root:   root,
		Method: method,
	}
	var reply int
	err := t.call("Chroot", arguments, &reply)
	return reply, err
}

// SetHostname calls the sethostname RPC using the supplied arguments.
func (t *RPC) SetHostname(hostname string) (int, error) {
	arguments := &args.HostnameArgs{
		Hostname: hostname,
	}
	var reply int
	err := t.call("SetHostname", arguments, &reply)
	return reply, err
}

// Chdir calls the chdir RPC using the supplied arguments.
func (t *RPC) Chdir(dir string) (int, error) {
	arguments := &args.ChdirArgs{
		Dir: dir,
	}
	var reply int
	err := t.call("Chdir", arguments, &reply)
	return reply, err
}

// HasNamespace calls the hasnamespace RPC using the supplied arguments.
func (t *RPC) HasNamespace(pid int, nstype string) (bool, error) {
	arguments := &args.HasNamespaceArgs{
		Pid:    pid,
		NsType: nstype,
	}
	var reply int
	if err := t.call("HasNamespace", arguments, &reply); err != nil {
		return false, err
	}
	return reply == 1, nil
}

// SetFsID calls the setfsid RPC using the supplied arguments.
func (t *RPC) SetFsID(uid int, gid int) error {
	arguments := &args.SetFsIDArgs{
		UID: uid,
		GID: gid,
	}
	return t.call("SetFsID", arguments, nil)
}
