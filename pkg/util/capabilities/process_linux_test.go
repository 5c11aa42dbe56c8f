// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package capabilities

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"testing"

	"github.com/vzokay/apptainer/internal/pkg/test"
)

func TestGetProcessSets(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	effective, err := GetProcessEffective()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	permitted, err := GetProcessPermitted()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if effective&^permitted != 0 {
		t.Errorf("effective set %#x not included in permitted set %#x", effective, permitted)
	}
	if _, err := GetProcessInheritable(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

const applyHelperEnv = "APPTAINER_TEST_APPLY_HELPER"

// TestApplyAfterIdentitySwitch checks that the capability sets can
// still be applied once the process identity left uid 0. The switch
// and the application are irreversible, so they run in a child
// process re-executing this test binary.
func TestApplyAfterIdentitySwitch(t *testing.T) {
	if os.Getenv(applyHelperEnv) == "1" {
		applyAfterIdentitySwitch()
		return
	}

	test.EnsurePrivilege(t)

	cmd := exec.Command(os.Args[0], "-test.run", "TestApplyAfterIdentitySwitch")
	cmd.Env = append(os.Environ(), applyHelperEnv+"=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("capability application after identity switch failed: %s\n%s", err, out)
	}
}

func applyAfterIdentitySwitch() {
	fail := func(format string, a ...interface{}) {
		fmt.Fprintf(os.Stderr, format+"\n", a...)
		os.Exit(2)
	}

	if err := KeepCaps(); err != nil {
		fail("%s", err)
	}
	if err := syscall.Setresgid(65534, 65534, 65534); err != nil {
		fail("while setting group identity: %s", err)
	}
	if err := syscall.Setresuid(65534, 65534, 65534); err != nil {
		fail("while setting user identity: %s", err)
	}

	if err := (Set{}).Apply(); err != nil {
		fail("first application: %s", err)
	}
	effective, err := GetProcessEffective()
	if err != nil {
		fail("%s", err)
	}
	if effective != 0 {
		fail("effective set %#x not empty after application", effective)
	}

	// a second application must not raise the effective set again
	if err := (Set{}).Apply(); err != nil {
		fail("second application: %s", err)
	}
	effective, err = GetProcessEffective()
	if err != nil {
		fail("%s", err)
	}
	if effective != 0 {
		fail("effective set %#x raised by second application", effective)
	}
}

// TestDropAll must stay the last test of this package, the test
// process can not regain anything once every set is cleared.
func TestDropAll(t *testing.T) {
	test.EnsurePrivilege(t)

	if err := DropAll(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	effective, err := GetProcessEffective()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if effective != 0 {
		t.Errorf("effective set %#x not empty after drop", effective)
	}

	permitted, err := GetProcessPermitted()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if permitted != 0 {
		t.Errorf("permitted set %#x not empty after drop", permitted)
	}
}
