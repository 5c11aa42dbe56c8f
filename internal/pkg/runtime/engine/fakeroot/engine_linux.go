// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fakeroot

import (
	"fmt"
	"net"
	"os"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	fakerootutil "github.com/vzokay/apptainer/internal/pkg/fakeroot"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	fakerootConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/fakeroot/config"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/rpc/server"
	"github.com/vzokay/apptainer/internal/pkg/util/bin"
	"github.com/vzokay/apptainer/pkg/sylog"
	"github.com/vzokay/apptainer/pkg/util/capabilities"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
)

// EngineOperations implements the engine.Operations interface for
// the fakeroot environment.
type EngineOperations struct {
	CommonConfig *config.Common               `json:"-"`
	EngineConfig *fakerootConfig.EngineConfig `json:"engineConfig"`
}

// InitConfig stores the parsed config.Common inside the engine.
func (e *EngineOperations) InitConfig(cfg *config.Common) {
	e.CommonConfig = cfg
}

// Config returns a zero value of the fakeroot EngineConfig.
func (e *EngineOperations) Config() config.EngineConfig {
	return e.EngineConfig
}

// PrepareConfig prepares the starter configuration for a fakeroot
// launch: a new user namespace mapping the current user to root, a
// mount and a PID namespace, and a full capability set inside the
// user namespace.
func (e *EngineOperations) PrepareConfig(starterConfig *starter.Config) error {
	if insideNs, _ := namespaces.IsInsideUserNamespace(os.Getpid()); insideNs {
		return fmt.Errorf("fakeroot can not be nested inside an existing user namespace")
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	if !starterConfig.Starter.IsSuid {
		sylog.Verbosef("Fakeroot requested with unprivileged workflow, fallback to newuidmap/newgidmap")
		uidMapPath, err := bin.FindBin("newuidmap")
		if err != nil {
			return fmt.Errorf("fakeroot requires newuidmap: %s", err)
		}
		gidMapPath, err := bin.FindBin("newgidmap")
		if err != nil {
			return fmt.Errorf("fakeroot requires newgidmap: %s", err)
		}
		starterConfig.Container.Privileges.NewUIDMapPath = uidMapPath
		starterConfig.Container.Privileges.NewGIDMapPath = gidMapPath
	}

	uidRange, err := fakerootutil.GetIDRange(fakerootutil.SubUIDFile, uid)
	if err != nil {
		return fmt.Errorf("could not use fakeroot: %s", err)
	}
	starterConfig.Container.Privileges.UIDMap = []specs.LinuxIDMapping{
		{ContainerID: 0, HostID: uid, Size: 1},
		*uidRange,
	}

	gidRange, err := fakerootutil.GetIDRange(fakerootutil.SubGIDFile, uid)
	if err != nil {
		return fmt.Errorf("could not use fakeroot: %s", err)
	}
	starterConfig.Container.Privileges.GIDMap = []specs.LinuxIDMapping{
		{ContainerID: 0, HostID: gid, Size: 1},
		*gidRange,
	}

	starterConfig.Container.Namespaces = []namespaces.Descriptor{
		{Kind: namespaces.User, Mode: namespaces.CreateNamespace},
		{Kind: namespaces.Mount, Mode: namespaces.CreateNamespace},
		{Kind: namespaces.PID, Mode: namespaces.CreateNamespace},
	}

	starterConfig.Starter.HybridWorkflow = true
	starterConfig.Container.Privileges.AllowSetgroups = true

	starterConfig.Container.Privileges.TargetUID = 0
	starterConfig.Container.Privileges.TargetGID = []int{0}

	caps, err := capabilities.Compute([]string{"CAP_ALL"}, false)
	if err != nil {
		return fmt.Errorf("while computing capability set: %s", err)
	}
	starterConfig.Container.Privileges.Capabilities = caps

	return nil
}

// CreateContainer does nothing for the fakeroot engine.
func (e *EngineOperations) CreateContainer(pid int, rpcConn net.Conn) error {
	return nil
}

// StartProcess executes the command in the fakeroot context. It runs
// after the privilege drop sequence, as root of the new user namespace.
func (e *EngineOperations) StartProcess(masterConn net.Conn) error {
	if e.EngineConfig == nil {
		return fmt.Errorf("bad fakeroot engine configuration provided")
	}
	if e.EngineConfig.Home == "" {
		return fmt.Errorf("a user home directory is required to bind it on top of /root directory")
	}
	// simple trick to bind user home directory on top of /root
	err := syscall.Mount(e.EngineConfig.Home, "/root", "", syscall.MS_BIND|syscall.MS_REC, "")
	if err != nil {
		return fmt.Errorf("failed to mount %s to /root: %s", e.EngineConfig.Home, err)
	}
	err = syscall.Mount("proc", "/proc", "proc", syscall.MS_NOSUID|syscall.MS_NOEXEC|syscall.MS_NODEV, "")
	if err != nil {
		return fmt.Errorf("failed to mount proc filesystem: %s", err)
	}
	args := e.EngineConfig.Args
	if len(args) == 0 {
		return fmt.Errorf("no command to execute provided")
	}
	return syscall.Exec(args[0], args, e.EngineConfig.Envs)
}

// PostStartProcess does nothing for the fakeroot engine.
func (e *EngineOperations) PostStartProcess(pid int) error {
	return nil
}

// MonitorContainer waits on the container process and relays the
// signals the master receives.
func (e *EngineOperations) MonitorContainer(pid int, signals chan os.Signal) (syscall.WaitStatus, error) {
	var status syscall.WaitStatus

	for {
		s := <-signals
		switch s {
		case syscall.SIGCHLD:
			if wpid, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil); err != nil {
				return status, fmt.Errorf("error while waiting child: %s", err)
			} else if wpid != pid {
				continue
			}
			return status, nil
		default:
			if err := syscall.Kill(pid, s.(syscall.Signal)); err != nil {
				return status, fmt.Errorf("interrupted by signal %s", s.String())
			}
		}
	}
}

// CleanupContainer does nothing for the fakeroot engine.
func (e *EngineOperations) CleanupContainer(fatal error, status syscall.WaitStatus) error {
	return nil
}

func init() {
	engine.RegisterOperations(
		fakerootConfig.Name,
		&EngineOperations{
			EngineConfig: &fakerootConfig.EngineConfig{},
		},
	)
	engine.RegisterRPCMethods(fakerootConfig.Name, new(server.Methods))
}
