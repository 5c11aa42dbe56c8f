// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package starter

import (
	"net"
	"os"

	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/internal/pkg/util/mainthread"
	"github.com/vzokay/apptainer/pkg/sylog"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
)

// joinContainerNamespaces moves the main thread inside the container
// namespaces. RPC methods run on the main thread through the
// mainthread executor, so requests are served from inside the
// container once this returns.
func joinContainerNamespaces(containerPid int, sconfig *starterConfig.Config) error {
	// with the suid or hybrid workflows the server keeps the host
	// user namespace so privileged requests retain their capabilities
	joinUser := sconfig.UserNamespaceCreated() &&
		!sconfig.Starter.IsSuid && !sconfig.Starter.HybridWorkflow

	var err error

	mainthread.Execute(func() {
		for _, d := range namespaces.Plan(sconfig.Container.Namespaces) {
			switch d.Kind {
			case namespaces.User:
				if !joinUser {
					continue
				}
			case namespaces.PID:
				// joining a PID namespace only affects children
				continue
			}
			if err = namespaces.Enter(containerPid, d.Kind); err != nil {
				return
			}
			sylog.Debugf("Joined container %s namespace", d.Kind)
		}
	})

	return err
}

// RPCServer serves runtime engine requests.
//
// The server joins the namespaces of the container process first, so
// any operation performed affects the final container environment.
// When run with the suid flow, i.e. no user namespace for the
// container is created and no hybrid workflow is requested, the
// server runs with escalated privileges.
func RPCServer(socket int, containerPid int, sconfig *starterConfig.Config, e *engine.Engine) {
	if err := joinContainerNamespaces(containerPid, sconfig); err != nil {
		sylog.Fatalf("%s\n", err)
	}

	comm := os.NewFile(uintptr(socket), "unix")
	conn, err := net.FileConn(comm)
	if err != nil {
		sylog.Fatalf("socket communication error: %s\n", err)
	}
	comm.Close()
	engine.ServeRPCRequests(e, conn)

	os.Exit(0)
}
