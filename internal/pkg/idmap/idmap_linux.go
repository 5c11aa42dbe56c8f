// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package idmap installs UID/GID mappings into a newly created user
// namespace. The mapping is written either directly to the proc mapping
// files when the calling process holds CAP_SETUID/CAP_SETGID in the
// parent namespace, or through the setuid newuidmap/newgidmap helper
// binaries when it does not.
package idmap

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/vzokay/apptainer/internal/pkg/util/priv"
	"github.com/vzokay/apptainer/pkg/sylog"
)

// MaxMapSize is the maximum size in bytes of the text form of a UID or
// GID mapping table.
const MaxMapSize = 4096

// MappingError is reported when a UID/GID mapping can not be installed.
// Mapping errors are fatal for the launch, no partial mapping is ever
// left installed.
type MappingError struct {
	Op  string
	Err error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("identity mapping %q failed: %s", e.Op, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// Config describes the identity mapping to install in the user
// namespace of a target process.
type Config struct {
	UIDMap         []specs.LinuxIDMapping
	GIDMap         []specs.LinuxIDMapping
	AllowSetgroups bool

	// Helper binary paths. When empty the mapping files are written
	// directly, which requires privilege in the parent user namespace.
	NewUIDMapPath string
	NewGIDMapPath string
}

// installer abstracts the two write mechanisms so that the installation
// sequence can be verified without a user namespace.
type installer interface {
	writeFile(path string, data []byte) error
	runHelper(path string, args []string) error
}

type procInstaller struct{}

func (procInstaller) writeFile(path string, data []byte) error {
	if os.Geteuid() != 0 {
		// hybrid workflow with a setuid starter, regain the saved
		// root identity for the proc mapping file write
		if err := priv.Escalate(); err == nil {
			defer priv.Drop()
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

func (procInstaller) runHelper(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stderr = sylog.Writer()
	return cmd.Run()
}

// Format returns the text form of a mapping table as written to the
// proc mapping files, one "containerID hostID size" triple per line.
func Format(mappings []specs.LinuxIDMapping) (string, error) {
	var text string
	for _, m := range mappings {
		text += fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	if len(text) > MaxMapSize {
		return "", &MappingError{
			Op:  "format",
			Err: fmt.Errorf("mapping table exceeds %d bytes", MaxMapSize),
		}
	}
	return text, nil
}

// helperArgs flattens a mapping table into the argument form expected
// by newuidmap/newgidmap: pid followed by containerID hostID size
// triples.
func helperArgs(pid int, mappings []specs.LinuxIDMapping) []string {
	args := []string{strconv.Itoa(pid)}
	for _, m := range mappings {
		args = append(args,
			strconv.FormatUint(uint64(m.ContainerID), 10),
			strconv.FormatUint(uint64(m.HostID), 10),
			strconv.FormatUint(uint64(m.Size), 10),
		)
	}
	return args
}

// Install writes the identity mapping for the process pid. It runs only
// for a user namespace the starter created itself, a joined namespace
// already carries its mapping.
//
// The kernel requires the setgroups control file to be written before
// an unprivileged GID map write, so the sequence is fixed: setgroups
// first, then the GID map, then the UID map. Violating that order is a
// MappingError, never a silent reorder.
func Install(pid int, config Config) error {
	return install(pid, config, procInstaller{})
}

func install(pid int, config Config, ins installer) error {
	if len(config.UIDMap) == 0 || len(config.GIDMap) == 0 {
		return &MappingError{Op: "validate", Err: fmt.Errorf("empty mapping table")}
	}

	// validate everything up front, a failure past this point must not
	// leave a partially installed mapping behind
	uidText, err := Format(config.UIDMap)
	if err != nil {
		return err
	}
	gidText, err := Format(config.GIDMap)
	if err != nil {
		return err
	}
	if config.NewUIDMapPath != "" {
		if _, err := os.Stat(config.NewUIDMapPath); err != nil {
			return &MappingError{Op: "uid_map", Err: fmt.Errorf("helper %s: %s", config.NewUIDMapPath, err)}
		}
	}
	if config.NewGIDMapPath != "" {
		if _, err := os.Stat(config.NewGIDMapPath); err != nil {
			return &MappingError{Op: "gid_map", Err: fmt.Errorf("helper %s: %s", config.NewGIDMapPath, err)}
		}
	}

	procPath := fmt.Sprintf("/proc/%d", pid)

	setgroups := "deny\n"
	if config.AllowSetgroups {
		setgroups = "allow\n"
	}
	sylog.Debugf("Write %q to %s/setgroups", setgroups[:len(setgroups)-1], procPath)
	if err := ins.writeFile(procPath+"/setgroups", []byte(setgroups)); err != nil {
		return &MappingError{Op: "setgroups", Err: err}
	}

	if config.NewGIDMapPath != "" {
		sylog.Debugf("Install GID map with %s", config.NewGIDMapPath)
		if err := ins.runHelper(config.NewGIDMapPath, helperArgs(pid, config.GIDMap)); err != nil {
			return &MappingError{Op: "gid_map", Err: fmt.Errorf("helper %s: %s", config.NewGIDMapPath, err)}
		}
	} else {
		sylog.Debugf("Write GID map to %s/gid_map", procPath)
		if err := ins.writeFile(procPath+"/gid_map", []byte(gidText)); err != nil {
			return &MappingError{Op: "gid_map", Err: err}
		}
	}

	if config.NewUIDMapPath != "" {
		sylog.Debugf("Install UID map with %s", config.NewUIDMapPath)
		if err := ins.runHelper(config.NewUIDMapPath, helperArgs(pid, config.UIDMap)); err != nil {
			return &MappingError{Op: "uid_map", Err: fmt.Errorf("helper %s: %s", config.NewUIDMapPath, err)}
		}
	} else {
		sylog.Debugf("Write UID map to %s/uid_map", procPath)
		if err := ins.writeFile(procPath+"/uid_map", []byte(uidText)); err != nil {
			return &MappingError{Op: "uid_map", Err: err}
		}
	}

	return nil
}
