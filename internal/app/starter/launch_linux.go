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
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/internal/pkg/util/fd"
	"github.com/vzokay/apptainer/pkg/sylog"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
	"github.com/vzokay/apptainer/pkg/util/rlimit"
	"golang.org/x/sys/unix"
)

// Role names used to dispatch the starter binary behavior at startup.
// The role is carried in the process environment, a starter process
// without role runs stage 1.
const (
	Stage1Role = "stage1"
	Stage2Role = "stage2"
	RPCRole    = "rpc"
)

const (
	roleEnv         = "APPTAINER_STARTER_ROLE"
	containerPidEnv = "APPTAINER_CONTAINER_PID"
)

// Spawned stage 2 and RPC server processes receive the launch data
// pipe and their communication socket on fixed descriptors.
const (
	// LaunchDataFd is the descriptor carrying the starter
	// configuration and the engine payload.
	LaunchDataFd = 3
	// CommSocketFd is the descriptor of the socket connected
	// to the master process.
	CommSocketFd = 4
)

// Role returns the role assigned to the calling process.
func Role() string {
	role := os.Getenv(roleEnv)
	if role == "" {
		return Stage1Role
	}
	return role
}

// ContainerPid returns the container process ID communicated to the
// RPC server process by the master.
func ContainerPid() (int, error) {
	pid, err := strconv.Atoi(os.Getenv(containerPidEnv))
	if err != nil {
		return -1, fmt.Errorf("bad container process ID: %s", err)
	}
	return pid, nil
}

// writeLaunchData serializes the starter configuration followed by
// the length prefixed engine payload.
func writeLaunchData(w io.Writer, sconfig *starterConfig.Config, jsonConfig []byte) error {
	if err := sconfig.Write(w); err != nil {
		return err
	}
	if len(jsonConfig) > config.MaxPayloadSize {
		return fmt.Errorf("engine payload too big: %d bytes (limit %d)", len(jsonConfig), config.MaxPayloadSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(jsonConfig))); err != nil {
		return fmt.Errorf("while writing engine payload size: %s", err)
	}
	if _, err := w.Write(jsonConfig); err != nil {
		return fmt.Errorf("while writing engine payload: %s", err)
	}
	return nil
}

// ReadLaunchData reads back the starter configuration and the engine
// payload sent by the parent starter process.
func ReadLaunchData(r io.Reader) (*starterConfig.Config, []byte, error) {
	sconfig, err := starterConfig.Read(r)
	if err != nil {
		return nil, nil, err
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, nil, fmt.Errorf("while reading engine payload size: %s", err)
	}
	if size == 0 || int(size) > config.MaxPayloadSize {
		return nil, nil, fmt.Errorf("bad engine payload size %d", size)
	}

	jsonConfig := make([]byte, size, config.PayloadMapSize(int(size)))
	if _, err := io.ReadFull(r, jsonConfig); err != nil {
		return nil, nil, fmt.Errorf("while reading engine payload: %s", err)
	}
	return sconfig, jsonConfig, nil
}

// spawn re-executes the starter binary with the provided role. The
// launch data pipe and the child end of the communication socket are
// placed on the fixed descriptors LaunchDataFd and CommSocketFd. The
// parent end of the communication socket is returned as a raw
// descriptor, ownership belongs to the caller.
func spawn(role string, sconfig *starterConfig.Config, jsonConfig []byte, env []string, cloneFlags uintptr) (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("failed to create communication socket pair: %s", err)
	}
	parentComm := fds[0]
	childComm := os.NewFile(uintptr(fds[1]), "comm-child")

	dataRead, dataWrite, err := os.Pipe()
	if err != nil {
		unix.Close(parentComm)
		childComm.Close()
		return -1, -1, fmt.Errorf("failed to create launch data pipe: %s", err)
	}

	cmd := exec.Command("/proc/self/exe")
	cmd.Args = []string{"starter [" + role + "]"}
	cmd.Env = append(env,
		roleEnv+"="+role,
		sylog.GetEnvVar(),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{dataRead, childComm}
	if cloneFlags != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Cloneflags: cloneFlags,
		}
	}

	if err := cmd.Start(); err != nil {
		unix.Close(parentComm)
		childComm.Close()
		dataRead.Close()
		dataWrite.Close()
		return -1, -1, fmt.Errorf("failed to spawn %s process: %s", role, err)
	}

	childComm.Close()
	dataRead.Close()

	go func() {
		if err := writeLaunchData(dataWrite, sconfig, jsonConfig); err != nil {
			sylog.Errorf("failed to send launch data to %s process: %s", role, err)
		}
		dataWrite.Close()
	}()

	return cmd.Process.Pid, parentComm, nil
}

// spawnStage2 forks the stage 2 process with the clone flags matching
// the namespaces to create. Inherited descriptors listed in the
// configuration are cleared of the close-on-exec flag so they survive
// into the child.
func spawnStage2(sconfig *starterConfig.Config, jsonConfig []byte) (int, int, error) {
	if err := ensureFdLimit(sconfig.Starter.Fds); err != nil {
		return -1, -1, err
	}
	for _, f := range sconfig.Starter.Fds {
		if err := fd.ClearCloexec(f); err != nil {
			return -1, -1, fmt.Errorf("while preparing inherited descriptor %d: %s", f, err)
		}
	}

	flags := namespaces.CloneFlags(sconfig.Container.Namespaces)
	return spawn(Stage2Role, sconfig, jsonConfig, nil, flags)
}

// ensureFdLimit raises the soft descriptor limit when the inherited
// descriptor list reaches beyond it, so the stage 2 process can keep
// every descriptor open.
func ensureFdLimit(fds []int) error {
	highest := 0
	for _, f := range fds {
		if f > highest {
			highest = f
		}
	}
	if highest == 0 {
		return nil
	}

	needed := uint64(highest + 1)
	cur, max, err := rlimit.Get("RLIMIT_NOFILE")
	if err != nil {
		return err
	}
	if needed <= cur {
		return nil
	}
	if needed > max {
		return fmt.Errorf("inherited descriptor %d exceeds the descriptor hard limit %d", highest, max)
	}
	sylog.Debugf("Raising soft descriptor limit from %d to %d", cur, needed)
	return rlimit.Set("RLIMIT_NOFILE", needed, max)
}

// spawnRPCServer forks the RPC server process. The child joins the
// container namespaces by itself from the recorded container process
// ID before serving requests.
func spawnRPCServer(sconfig *starterConfig.Config, jsonConfig []byte, containerPid int) (int, int, error) {
	env := []string{
		fmt.Sprintf("%s=%d", containerPidEnv, containerPid),
	}
	return spawn(RPCRole, sconfig, jsonConfig, env, 0)
}
