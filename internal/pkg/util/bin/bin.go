// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bin provides access to external binaries.
package bin

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/vzokay/apptainer/pkg/sylog"
)

// defaultPath is appended to PATH during lookups to ensure standard
// locations are searched, some distributions don't include sbin on the
// user PATH.
const defaultPath = "/bin:/usr/bin:/sbin:/usr/sbin:/usr/local/bin:/usr/local/sbin"

// FindBin returns the path to the named binary, or an error if it is
// not found.
func FindBin(name string) (string, error) {
	switch name {
	// distro provided setuid executables used to setup
	// subuid/subgid mappings in the rootless flow
	case "newuidmap", "newgidmap":
		return findOnPath(name)
	}
	return "", fmt.Errorf("unknown executable name %q", name)
}

// findOnPath performs a simple search on PATH for the named executable,
// returning its full path.
func findOnPath(name string) (string, error) {
	oldPath := os.Getenv("PATH")
	defer os.Setenv("PATH", oldPath)
	os.Setenv("PATH", oldPath+":"+defaultPath)

	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "while searching for %q", name)
	}
	sylog.Debugf("Found %q at %q", name, path)
	return path, nil
}
