// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package starter

import (
	"github.com/vzokay/apptainer/internal/pkg/runtime/engine"
	starterConfig "github.com/vzokay/apptainer/internal/pkg/runtime/engine/config/starter"
	"github.com/vzokay/apptainer/pkg/sylog"
)

// StageOne validates and prepares the starter configuration for the
// container launch. It runs before any process is forked, a failure
// here aborts the launch without leaving any child behind.
func StageOne(sconfig *starterConfig.Config, e *engine.Engine) {
	sylog.Debugf("Entering stage 1\n")

	if err := e.PrepareConfig(sconfig); err != nil {
		sylog.Fatalf("%s\n", err)
	}

	if sconfig.Starter.NvCCLICaps {
		p := &sconfig.Container.Privileges
		p.Capabilities = p.Capabilities.WithNvCCLIBounding()
	}

	if err := sconfig.Validate(); err != nil {
		sylog.Fatalf("%s\n", err)
	}
}
