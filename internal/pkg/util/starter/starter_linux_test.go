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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vzokay/apptainer/internal/pkg/runtime/engine/config"
	"github.com/vzokay/apptainer/internal/pkg/test"
)

// stub starter echoing the engine payload it receives on the
// advertised pipe descriptor
const stubStarter = `#!/bin/sh
[ -n "$PIPE_EXEC_FD" ] || exit 1
exec cat /proc/self/fd/$PIPE_EXEC_FD
`

func TestRun(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "starter")
	if err := os.WriteFile(path, []byte(stubStarter), 0o755); err != nil {
		t.Fatalf("failed to write stub starter: %s", err)
	}
	t.Setenv(starterDirEnv, dir)

	common := &config.Common{
		EngineName:  "fake",
		ContainerID: "test",
	}

	var out bytes.Buffer
	if err := Run("starter [stage1]", common, WithStdout(&out)); err != nil {
		t.Fatalf("unexpected error from Run: %s", err)
	}
	if !strings.Contains(out.String(), `"engineName":"fake"`) {
		t.Errorf("engine payload was not passed to the starter binary: %q", out.String())
	}
}

func TestRunMissingBinary(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	t.Setenv(starterDirEnv, t.TempDir())

	common := &config.Common{EngineName: "fake"}
	if err := Run("starter [stage1]", common); err == nil {
		t.Errorf("unexpected success without a starter binary installed")
	}
}
