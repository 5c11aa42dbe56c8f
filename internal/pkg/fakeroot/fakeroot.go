// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fakeroot

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// SubUIDFile is the default path to the subordinate UID file.
	SubUIDFile = "/etc/subuid"
	// SubGIDFile is the default path to the subordinate GID file.
	SubGIDFile = "/etc/subgid"

	// validRangeCount is the minimum subordinate range size usable
	// for a fakeroot mapping.
	validRangeCount = uint32(65536)
)

// GetIDRange parses a subordinate ID file and returns the first
// usable ID range allocated to the user, matched either by name or
// by numeric ID.
func GetIDRange(path string, uid uint32) (*specs.LinuxIDMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("while opening %s: %s", path, err)
	}
	defer f.Close()

	uidStr := strconv.FormatUint(uint64(uid), 10)
	username := ""
	if u, err := user.LookupId(uidStr); err == nil {
		username = u.Username
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			continue
		}
		if fields[0] != uidStr && (username == "" || fields[0] != username) {
			continue
		}
		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("while parsing %s: bad start ID %q", path, fields[1])
		}
		count, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("while parsing %s: bad range count %q", path, fields[2])
		}
		if uint32(count) < validRangeCount {
			// ignore too small ranges, the user may have a bigger
			// allocation on a following line
			continue
		}
		return &specs.LinuxIDMapping{
			ContainerID: 1,
			HostID:      uint32(start),
			Size:        validRangeCount,
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("while reading %s: %s", path, err)
	}

	return nil, fmt.Errorf("no valid subordinate ID range found in %s for user %s", path, uidStr)
}
