// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package starter

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/internal/pkg/test"
	"github.com/vzokay/apptainer/pkg/util/namespaces"
)

func TestCreateContainer(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	var fatal error
	fatalChan := make(chan error, 1)

	var fakeEngine engine.Engine

	tests := []struct {
		name         string
		rpcSocket    int
		containerPid int
		engine       *engine.Engine
		shallPass    bool
	}{
		{
			name:         "invalid socket",
			rpcSocket:    -1,
			containerPid: -1,
			engine:       &fakeEngine,
			shallPass:    false,
		},
		{
			name:         "not a socket",
			rpcSocket:    42000,
			containerPid: -1,
			engine:       &fakeEngine,
			shallPass:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			go createContainer(tt.rpcSocket, tt.containerPid, tt.engine, fatalChan)
			fatal = <-fatalChan
			if tt.shallPass && fatal != nil {
				t.Fatalf("test %s expected to succeed but failed: %s", tt.name, fatal)
			}

			if !tt.shallPass && fatal == nil {
				t.Fatalf("test %s expected to fail but succeeded", tt.name)
			}
		})
	}
}

func TestStartContainer(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	var fatal error
	fatalChan := make(chan error, 1)

	var fakeEngine engine.Engine

	tests := []struct {
		name         string
		masterSocket int
		containerPid int
		engine       *engine.Engine
		shallPass    bool
	}{
		{
			name:         "invalid socket",
			masterSocket: -1,
			containerPid: -1,
			engine:       &fakeEngine,
			shallPass:    false,
		},
		{
			name:         "not a socket",
			masterSocket: 42000,
			containerPid: -1,
			engine:       &fakeEngine,
			shallPass:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			go startContainer(tt.masterSocket, tt.containerPid, false, os.Getppid(), tt.engine, fatalChan)
			fatal = <-fatalChan
			if tt.shallPass && fatal != nil {
				t.Fatalf("test %s expected to succeed but failed: %s", tt.name, fatal)
			}

			if !tt.shallPass && fatal == nil {
				t.Fatalf("test %s expected to fail but succeeded", tt.name)
			}
		})
	}
}

func TestApplyMasterPropagation(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	tests := []struct {
		name        string
		config      func() *starterConfig.Config
		failSetter  bool
		shallPass   bool
		propagation string
	}{
		{
			name: "shared propagation applied",
			config: func() *starterConfig.Config {
				c := launchConfig()
				c.Starter.MasterPropagateMount = true
				return c
			},
			shallPass:   true,
			propagation: "rslave",
		},
		{
			name:      "propagation not shared",
			config:    launchConfig,
			shallPass: true,
		},
		{
			name: "no mount namespace",
			config: func() *starterConfig.Config {
				c := starterConfig.NewConfig()
				c.Starter.MasterPropagateMount = true
				return c
			},
			shallPass: true,
		},
		{
			name: "no propagation mode requested",
			config: func() *starterConfig.Config {
				c := starterConfig.NewConfig()
				c.Starter.MasterPropagateMount = true
				c.Container.Namespaces = []namespaces.Descriptor{
					{Kind: namespaces.Mount, Mode: namespaces.CreateNamespace},
				}
				return c
			},
			shallPass: true,
		},
		{
			name: "propagation failure reported",
			config: func() *starterConfig.Config {
				c := launchConfig()
				c.Starter.MasterPropagateMount = true
				return c
			},
			failSetter: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := ""
			err := applyMasterPropagation(tt.config(), func(propagation string) error {
				applied = propagation
				if tt.failSetter {
					return fmt.Errorf("%s propagation failed", propagation)
				}
				return nil
			})
			if tt.shallPass && err != nil {
				t.Fatalf("test %s expected to succeed but failed: %s", tt.name, err)
			}
			if !tt.shallPass && err == nil {
				t.Fatalf("test %s expected to fail but succeeded", tt.name)
			}
			if applied != tt.propagation && !tt.failSetter {
				t.Errorf("wrong propagation mode applied %q, expected %q", applied, tt.propagation)
			}
		})
	}
}

func TestLaunchDataRoundTrip(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	sconfig := launchConfig()
	jsonConfig := []byte(`{"engineName":"fake","containerID":"test"}`)

	var buf bytes.Buffer

	if err := writeLaunchData(&buf, sconfig, jsonConfig); err != nil {
		t.Fatalf("unexpected error while writing launch data: %s", err)
	}

	rconfig, rjson, err := ReadLaunchData(&buf)
	if err != nil {
		t.Fatalf("unexpected error while reading launch data: %s", err)
	}
	if !bytes.Equal(rjson, jsonConfig) {
		t.Errorf("engine payload corrupted: %s", rjson)
	}
	if rconfig.Container.Privileges.TargetUID != sconfig.Container.Privileges.TargetUID {
		t.Errorf("wrong target UID %d", rconfig.Container.Privileges.TargetUID)
	}
	if !rconfig.UserNamespaceCreated() {
		t.Errorf("user namespace creation not detected")
	}
}
