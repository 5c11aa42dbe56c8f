// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package starter

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/internal/pkg/util/fd"
	"github.com/vzokay/apptainer/pkg/sylog"
	"github.com/vzokay/apptainer/pkg/util/capabilities"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
	"golang.org/x/sys/unix"
)

// sequenceOps abstracts the operations of the stage 2 setup sequence.
// The sequence is strictly sequential, each step's postcondition is
// the next step's precondition, so the operations are driven from a
// single place and never reordered.
type sequenceOps interface {
	joinNamespace(d namespaces.Descriptor) error
	setPropagation(propagation string) error
	setupLoopback() error
	waitMapping() error
	switchIdentity(uid int, gids []int, setgroupsAllowed bool) error
	applyCapabilities(set capabilities.Set) error
	setNoNewPrivs() error
	validateFds(fds []int, workingDirFd int) error
	startProcess() error
}

// runStageTwo executes the privilege drop sequence: namespace setup,
// identity mapping synchronization, identity switch, capability
// application, no new privileges, descriptor validation and finally
// the payload exec.
func runStageTwo(sconfig *starterConfig.Config, ops sequenceOps) error {
	for _, d := range namespaces.Plan(sconfig.Container.Namespaces) {
		if d.Mode == namespaces.EnterNamespace {
			if err := ops.joinNamespace(d); err != nil {
				return err
			}
		}
		// namespaces in create mode were already unshared by the
		// clone flags when this process was forked
		if d.Kind == namespaces.Network && d.BringLoopback {
			if err := ops.setupLoopback(); err != nil {
				return err
			}
		}
		if d.Kind == namespaces.Mount && d.MountPropagation != "" {
			if err := ops.setPropagation(d.MountPropagation); err != nil {
				return err
			}
		}
	}

	// a freshly created user namespace has no identity mapping, wait
	// until the master installed it before touching credentials
	if sconfig.UserNamespaceCreated() {
		if err := ops.waitMapping(); err != nil {
			return err
		}
	}

	p := sconfig.Container.Privileges

	setgroupsAllowed := p.AllowSetgroups || !sconfig.UserNamespaceCreated()
	if err := ops.switchIdentity(p.TargetUID, p.TargetGID, setgroupsAllowed); err != nil {
		return err
	}

	if err := ops.applyCapabilities(p.Capabilities); err != nil {
		return err
	}

	// no new privileges comes after capability application, setting
	// it first would forbid the capability gains performed above
	if p.NoNewPrivs {
		if err := ops.setNoNewPrivs(); err != nil {
			return err
		}
	}

	if err := ops.validateFds(sconfig.Starter.Fds, sconfig.Starter.WorkingDirectoryFd); err != nil {
		return err
	}

	return ops.startProcess()
}

// processOps applies the stage 2 sequence to the calling process. All
// operations run on the main thread, thread scoped syscalls like
// setns must land on the same thread that performs the final exec.
type processOps struct {
	conn   net.Conn
	engine *engine.Engine
}

func (o *processOps) joinNamespace(d namespaces.Descriptor) error {
	sylog.Debugf("Joining %s namespace at %s", d.Kind, d.Path)
	return d.Join()
}

func (o *processOps) setPropagation(propagation string) error {
	sylog.Debugf("Applying %s mount propagation", propagation)
	return namespaces.SetPropagation(propagation)
}

func (o *processOps) setupLoopback() error {
	sylog.Debugf("Bringing loopback interface up")
	return namespaces.SetupLoopback()
}

func (o *processOps) waitMapping() error {
	if o.conn == nil {
		return fmt.Errorf("no master connection to wait identity mapping on")
	}
	data := make([]byte, 1)
	for {
		n, err := o.conn.Read(data)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("master closed connection before identity mapping installation")
			}
			return fmt.Errorf("while waiting identity mapping: %s", err)
		}
		if n == 0 {
			// transient empty read, the master is still alive
			continue
		}
		return nil
	}
}

func (o *processOps) switchIdentity(uid int, gids []int, setgroupsAllowed bool) error {
	// a transition away from uid 0 clears the permitted set unless
	// keepcaps is raised, the bits must survive until the capability
	// sets are applied by the next step of the sequence
	if err := capabilities.KeepCaps(); err != nil {
		return err
	}
	if len(gids) > 0 {
		gid := gids[0]
		if setgroupsAllowed {
			if err := syscall.Setgroups(gids); err != nil {
				return &capabilities.PrivilegeError{Op: "setgroups", Err: err}
			}
		}
		if err := syscall.Setresgid(gid, gid, gid); err != nil {
			return &capabilities.PrivilegeError{Op: "setresgid", Err: err}
		}
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return &capabilities.PrivilegeError{Op: "setresuid", Err: err}
	}
	return nil
}

func (o *processOps) applyCapabilities(set capabilities.Set) error {
	return set.Apply()
}

func (o *processOps) setNoNewPrivs() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return &capabilities.PrivilegeError{Op: "no_new_privs", Err: err}
	}
	return nil
}

func (o *processOps) validateFds(fds []int, workingDirFd int) error {
	if err := fd.Ensure(fds); err != nil {
		return err
	}
	if workingDirFd >= 0 {
		if err := unix.Fchdir(workingDirFd); err != nil {
			return fmt.Errorf("while restoring working directory: %s", err)
		}
	}
	return nil
}

func (o *processOps) startProcess() error {
	return o.engine.StartProcess(o.conn)
}

// StageTwo performs the container process setup: it drives the
// privilege drop sequence and hands control to the engine for the
// final payload exec. On failure the master is notified through the
// communication socket before this process exits.
func StageTwo(masterSocket int, sconfig *starterConfig.Config, e *engine.Engine) {
	sylog.Debugf("Entering stage 2\n")

	var conn net.Conn

	if masterSocket != -1 {
		comm := os.NewFile(uintptr(masterSocket), "master-socket")
		var err error
		conn, err = net.FileConn(comm)
		if err != nil {
			sylog.Fatalf("failed to copy master unix socket descriptor: %s\n", err)
		}
		comm.Close()
	}

	ops := &processOps{
		conn:   conn,
		engine: e,
	}

	if err := runStageTwo(sconfig, ops); err != nil {
		// tell master to not execute PostStartProcess
		if conn != nil {
			if _, err := conn.Write([]byte("f")); err != nil {
				sylog.Errorf("fail to send data to master: %s", err)
			}
		}
		sylog.Fatalf("%s\n", err)
	}
}
