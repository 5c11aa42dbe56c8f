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
	"os/signal"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/vzokay/apptainer/internal/pkg/idmap"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/internal/pkg/util/mainthread"
	"github.com/vzokay/apptainer/pkg/sylog"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
	"golang.org/x/sys/unix"
)

func createContainer(rpcSocket int, containerPid int, e *engine.Engine, fatalChan chan error) {
	comm := os.NewFile(uintptr(rpcSocket), "rpc-socket")
	if comm == nil {
		fatalChan <- fmt.Errorf("bad RPC socket file descriptor")
		return
	}
	rpcConn, err := net.FileConn(comm)
	comm.Close()
	if err != nil {
		fatalChan <- fmt.Errorf("failed to copy unix socket descriptor: %s", err)
		return
	}

	err = e.CreateContainer(containerPid, rpcConn)
	if err != nil {
		fatalChan <- fmt.Errorf("container creation failed: %s", err)
		return
	}

	rpcConn.Close()
}

func startContainer(masterSocket int, containerPid int, isInstance bool, ppid int, e *engine.Engine, fatalChan chan error) {
	comm := os.NewFile(uintptr(masterSocket), "master-socket")
	if comm == nil {
		fatalChan <- fmt.Errorf("bad master socket file descriptor")
		return
	}
	conn, err := net.FileConn(comm)
	comm.Close()
	if err != nil {
		fatalChan <- fmt.Errorf("failed to create master connection: %s", err)
		return
	}
	defer conn.Close()

	data := make([]byte, 1)

	// wait container process execution, EOF means the payload was
	// executed and the socket end was closed by the exec in stage 2.
	// A data byte equal to 'f' means an error occurred in stage 2,
	// just return and wait the process status via MonitorContainer
	for {
		n, err := conn.Read(data)
		if err != nil {
			if err != io.EOF {
				if isInstance && os.Getppid() == ppid {
					syscall.Kill(ppid, syscall.SIGUSR2)
				}
				fatalChan <- fmt.Errorf("error while reading master socket data: %s", err)
				return
			}
			break
		}
		if n == 0 {
			// transient empty read, the peer is still alive
			continue
		}
		if data[0] == 'f' {
			sylog.Debugf("stage 2 process reported an error, waiting status")
			return
		}
		break
	}

	if err := e.PostStartProcess(containerPid); err != nil {
		if isInstance && os.Getppid() == ppid {
			syscall.Kill(ppid, syscall.SIGUSR2)
		}
		fatalChan <- fmt.Errorf("post start process failed: %s", err)
		return
	}

	if isInstance {
		// sleep a bit to see if child exit
		time.Sleep(100 * time.Millisecond)
		if os.Getppid() == ppid {
			syscall.Kill(ppid, syscall.SIGUSR1)
		}
	}
}

// applyMasterPropagation applies the propagation mode requested for
// the container mount namespace on the master side too, when mount
// propagation is shared with the container. The mode is applied
// through setPropagation so the caller decides on which thread the
// mount flag change lands.
func applyMasterPropagation(sconfig *starterConfig.Config, setPropagation func(string) error) error {
	d := sconfig.NamespaceDescriptor(namespaces.Mount)
	if d == nil || !sconfig.Starter.MasterPropagateMount || d.MountPropagation == "" {
		return nil
	}
	return setPropagation(d.MountPropagation)
}

// restoreTerminal hands the controlling terminal back to the process
// group of the starter once the container process is gone.
func restoreTerminal() {
	pgrp := syscall.Getpgrp()
	tcpgrp := 0

	if _, _, err := syscall.Syscall(syscall.SYS_IOCTL, 1, uintptr(syscall.TIOCGPGRP), uintptr(unsafe.Pointer(&tcpgrp))); err == 0 {
		if tcpgrp > 0 && pgrp != tcpgrp {
			signal.Ignore(syscall.SIGTTOU)

			if _, _, err := syscall.Syscall(syscall.SYS_IOCTL, 1, uintptr(syscall.TIOCSPGRP), uintptr(unsafe.Pointer(&pgrp))); err != 0 {
				sylog.Errorf("failed to set controlling terminal group: %s", err.Error())
			}
		}
	}
}

// Master spawns the stage 2 and RPC server processes then supervises
// the container launch: it installs the identity mapping, runs the
// engine container creation and monitoring, and propagates the
// container exit status. This function never returns.
func Master(sconfig *starterConfig.Config, jsonConfig []byte, e *engine.Engine) {
	containerPid, masterSocket, err := spawnStage2(sconfig, jsonConfig)
	if err != nil {
		sylog.Fatalf("%s\n", err)
	}
	sconfig.Container.Pid = containerPid

	sylog.Debugf("Stage 2 process started with PID %d", containerPid)

	if sconfig.UserNamespaceCreated() {
		if err := idmap.Install(containerPid, sconfig.IdentityMapping()); err != nil {
			syscall.Kill(containerPid, syscall.SIGKILL)
			sylog.Fatalf("%s\n", err)
		}
		// release stage 2 blocked on the mapping installation
		if _, err := unix.Write(masterSocket, []byte{'m'}); err != nil {
			syscall.Kill(containerPid, syscall.SIGKILL)
			sylog.Fatalf("failed to signal identity mapping installation: %s\n", err)
		}
	}

	err = applyMasterPropagation(sconfig, func(propagation string) error {
		var perr error
		mainthread.Execute(func() {
			perr = namespaces.SetPropagation(propagation)
		})
		return perr
	})
	if err != nil {
		syscall.Kill(containerPid, syscall.SIGKILL)
		sylog.Fatalf("%s\n", err)
	}

	rpcPid, rpcSocket, err := spawnRPCServer(sconfig, jsonConfig, containerPid)
	if err != nil {
		syscall.Kill(containerPid, syscall.SIGKILL)
		sylog.Fatalf("%s\n", err)
	}
	sylog.Debugf("RPC server process started with PID %d", rpcPid)

	// reap the RPC server process once it exits so it does not
	// linger as a zombie while the container runs
	go func() {
		var status syscall.WaitStatus
		if _, err := syscall.Wait4(rpcPid, &status, 0, nil); err != nil {
			sylog.Debugf("failed to wait RPC server process: %s", err)
		}
	}()

	supervise(rpcSocket, masterSocket, containerPid, sconfig.Container.IsInstance, e)
}

func supervise(rpcSocket, masterSocket int, containerPid int, isInstance bool, e *engine.Engine) {
	var fatal error
	var status syscall.WaitStatus

	fatalChan := make(chan error, 1)
	ppid := os.Getppid()

	// we could receive a signal from the child during CreateContainer
	// so the handler is set early to queue signals until
	// MonitorContainer is called to handle them
	signals := make(chan os.Signal, 1)
	signal.Notify(signals)

	go createContainer(rpcSocket, containerPid, e, fatalChan)

	go startContainer(masterSocket, containerPid, isInstance, ppid, e, fatalChan)

	go func() {
		var err error
		status, err = e.MonitorContainer(containerPid, signals)
		fatalChan <- err
	}()

	fatal = <-fatalChan

	runtime.LockOSThread()
	if err := e.CleanupContainer(fatal, status); err != nil {
		sylog.Errorf("container cleanup failed: %s", err)
	}
	runtime.UnlockOSThread()

	if !isInstance {
		restoreTerminal()
	}

	if fatal != nil {
		if isInstance && os.Getppid() == ppid {
			syscall.Kill(ppid, syscall.SIGUSR2)
		}
		syscall.Kill(containerPid, syscall.SIGKILL)
		sylog.Fatalf("%s\n", fatal)
	}

	signal.Reset()

	if status.Signaled() {
		s := status.Signal()
		sylog.Debugf("Child exited due to signal %d", s)
		if isInstance && os.Getppid() == ppid {
			syscall.Kill(ppid, syscall.SIGUSR2)
		}
		os.Exit(128 + int(s))
	} else if status.Exited() {
		sylog.Debugf("Child exited with exit status %d", status.ExitStatus())
		if isInstance {
			if status.ExitStatus() != 0 {
				if os.Getppid() == ppid {
					syscall.Kill(ppid, syscall.SIGUSR2)
				}
				sylog.Fatalf("failed to spawn instance\n")
			}
			if os.Getppid() == ppid {
				syscall.Kill(ppid, syscall.SIGUSR1)
			}
		}
		os.Exit(status.ExitStatus())
	}

	os.Exit(0)
}
