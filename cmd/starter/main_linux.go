// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"io"
	"os"
	"runtime"
	"strconv"

	// register the runtime engines served by this binary
	_ "github.com/vzokay/apptainer/cmd/starter/engines"
	"github.com/vzokay/apptainer/internal/app/starter"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/internal/pkg/util/mainthread"
	"github.com/vzokay/apptainer/pkg/sylog"
)

const (
	messageLevelEnv = "APPTAINER_MESSAGELEVEL"
	pipeExecFdEnv   = "PIPE_EXEC_FD"
)

func getEngine(jsonConfig []byte) *engine.Engine {
	e, err := engine.Get(jsonConfig)
	if err != nil {
		sylog.Fatalf("failed to initialize runtime engine: %s\n", err)
	}
	return e
}

// readEnginePayload reads the engine configuration from the pipe
// descriptor inherited from the caller of the starter binary.
func readEnginePayload(fd int) []byte {
	f := os.NewFile(uintptr(fd), "engine-payload")
	if f == nil {
		sylog.Fatalf("invalid engine payload descriptor %d\n", fd)
	}
	defer f.Close()

	jsonConfig, err := io.ReadAll(io.LimitReader(f, config.MaxPayloadSize+1))
	if err != nil {
		sylog.Fatalf("failed to read engine payload: %s\n", err)
	}
	if len(jsonConfig) == 0 || len(jsonConfig) > config.MaxPayloadSize {
		sylog.Fatalf("bad engine payload size %d\n", len(jsonConfig))
	}
	return jsonConfig
}

// readLaunchData reads the starter configuration and the engine
// payload sent by the parent starter process on the fixed launch
// data descriptor.
func readLaunchData() (*starterConfig.Config, []byte) {
	f := os.NewFile(uintptr(starter.LaunchDataFd), "launch-data")
	if f == nil {
		sylog.Fatalf("invalid launch data descriptor %d\n", starter.LaunchDataFd)
	}
	defer f.Close()

	sconfig, jsonConfig, err := starter.ReadLaunchData(f)
	if err != nil {
		sylog.Fatalf("failed to read launch data: %s\n", err)
	}
	return sconfig, jsonConfig
}

func startup() {
	loglevel := os.Getenv(messageLevelEnv)
	role := starter.Role()

	payloadFd := -1
	if role == starter.Stage1Role {
		fd, err := strconv.Atoi(os.Getenv(pipeExecFdEnv))
		if err != nil || fd < 0 {
			sylog.Fatalf("no engine payload descriptor provided\n")
		}
		payloadFd = fd
	}

	containerPid := -1
	if role == starter.RPCRole {
		pid, err := starter.ContainerPid()
		if err != nil {
			sylog.Fatalf("%s\n", err)
		}
		containerPid = pid
	}

	// the environment is under caller control at this point, drop
	// everything except the log level before going further
	os.Clearenv()
	if loglevel != "" {
		if os.Setenv(messageLevelEnv, loglevel) != nil {
			sylog.Warningf("can't restore %s environment variable", messageLevelEnv)
		}
	}

	switch role {
	case starter.Stage1Role:
		sylog.Verbosef("Execute stage 1\n")
		jsonConfig := readEnginePayload(payloadFd)
		sconfig := starterConfig.NewConfig()
		e := getEngine(jsonConfig)

		starter.StageOne(sconfig, e)
		starter.Master(sconfig, jsonConfig, e)
	case starter.Stage2Role:
		sylog.Verbosef("Execute stage 2\n")
		sconfig, jsonConfig := readLaunchData()
		e := getEngine(jsonConfig)

		mainthread.Execute(func() {
			starter.StageTwo(starter.CommSocketFd, sconfig, e)
		})
	case starter.RPCRole:
		sylog.Verbosef("Serve RPC requests\n")
		sconfig, jsonConfig := readLaunchData()

		starter.RPCServer(starter.CommSocketFd, containerPid, sconfig, getEngine(jsonConfig))
	default:
		sylog.Fatalf("unknown starter role %q\n", role)
	}
	sylog.Fatalf("You should not be there\n")
}

func init() {
	// lock main thread for function execution loop
	runtime.LockOSThread()
	// this is mainly to reduce memory footprint
	runtime.GOMAXPROCS(1)
}

func main() {
	// spawn a goroutine to use mainthread later
	go startup()

	// run functions requiring execution in main thread
	for f := range mainthread.FuncChannel {
		f()
	}
}
