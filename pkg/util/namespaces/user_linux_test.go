// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package namespaces

import (
	"os"
	"testing"

	"github.com/vzokay/apptainer/internal/pkg/test"
)

func TestIsInsideUserNamespace(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	insideNs, _ := IsInsideUserNamespace(os.Getpid())

	uid, err := HostUID()
	if err != nil {
		t.Fatalf("unexpected error from HostUID: %s", err)
	}
	if !insideNs && uid != os.Getuid() {
		t.Errorf("host UID %d should match current UID %d outside of a user namespace", uid, os.Getuid())
	}
}

func TestHostUIDBadPid(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	// a non existent process is never reported as inside a user namespace
	if insideNs, _ := IsInsideUserNamespace(-1); insideNs {
		t.Errorf("unexpected user namespace report for bad process ID")
	}
}
