// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"syscall"

	"github.com/buger/jsonparser"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config"
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
)

// Engine is the combination of an Operations and a config.Common. The
// startup routines (internal/app/starter/*) drive a container launch
// through this type.
type Engine struct {
	Operations
	*config.Common
}

// Operations is an interface describing necessary operations to launch
// a container process. Some of them may be called with elevated privilege
// or the potential to escalate privileges. Refer to an individual method
// documentation for a detailed description of the context in which it is
// called.
type Operations interface {
	// Config returns a zero value of the current EngineConfig, which
	// depends on the implementation, used to populate the Common struct.
	Config() config.EngineConfig
	// InitConfig stores the parsed config.Common inside the Operations
	// implementation.
	InitConfig(*config.Common)
	// PrepareConfig is called in stage1 to validate and prepare the
	// starter configuration. It runs before any fork, so a failure
	// here aborts the launch without leaving any child behind.
	PrepareConfig(*starter.Config) error
	// CreateContainer is called in master and does mount operations,
	// etc. through the RPC connection to set up the container
	// environment for the payload process.
	CreateContainer(int, net.Conn) error
	// StartProcess is called in stage2 after the privilege drop
	// sequence completed. It is responsible for exec'ing the payload
	// process in the container.
	StartProcess(net.Conn) error
	// PostStartProcess is called in master after successful execution
	// of the container process.
	PostStartProcess(int) error
	// MonitorContainer is called in master once the container process
	// has been spawned. It will typically block until the container
	// process exits.
	MonitorContainer(int, chan os.Signal) (syscall.WaitStatus, error)
	// CleanupContainer is called in master after MonitorContainer
	// returns. It is responsible for ensuring that the container has
	// been properly torn down.
	CleanupContainer(error, syscall.WaitStatus) error
}

// GetName returns the engine name set in the JSON configuration.
func GetName(b []byte) string {
	name, err := jsonparser.GetString(b, "engineName")
	if err != nil {
		return ""
	}
	return name
}

// Get returns the engine described by the JSON configuration.
func Get(b []byte) (*Engine, error) {
	engineName := GetName(b)

	// ensure engine with given name is registered
	eOp, ok := registeredOperations[engineName]
	if !ok {
		return nil, fmt.Errorf("engine %q is not found", engineName)
	}

	// create empty Engine object with properly initialized EngineConfig && Operations
	e := &Engine{
		Operations: eOp,
		Common: &config.Common{
			EngineConfig: eOp.Config(),
		},
	}

	// parse received JSON configuration to specific EngineConfig
	if err := json.Unmarshal(b, e.Common); err != nil {
		return nil, fmt.Errorf("could not parse JSON configuration: %s", err)
	}
	e.InitConfig(e.Common)
	return e, nil
}

var (
	// registeredOperations contains a map relating an Engine name to a set
	// of operations provided by an engine.
	registeredOperations = make(map[string]Operations)

	// registeredRPCMethods contains a map relating an Engine name to a set
	// of RPC methods served by the RPC server.
	registeredRPCMethods = make(map[string]interface{})
)

// ServeRPCRequests serves runtime engine RPC requests with
// corresponding registered engine methods. It returns once the peer
// closes its end of the connection.
func ServeRPCRequests(e *Engine, conn net.Conn) {
	methods, ok := registeredRPCMethods[e.EngineName]
	if ok {
		rpc.RegisterName(e.EngineName, methods)
		rpc.ServeConn(conn)
	}
}

// RegisterOperations registers engine operations for a runtime engine.
func RegisterOperations(name string, operations Operations) {
	registeredOperations[name] = operations
}

// RegisterRPCMethods registers engine RPC methods served by the RPC server.
func RegisterRPCMethods(name string, methods interface{}) {
	registeredRPCMethods[name] = methods
}
