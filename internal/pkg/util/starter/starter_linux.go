// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package starter

import (
	"fmt"

	"github.com/vzokay/apptainer/pkg/sylog"
	"golang.org/x/sys/unix"
)

// sendData writes the engine configuration into a socket pair and
// returns an inheritable descriptor of the read side. The data is
// written before the starter binary is executed, so it must fit in
// the socket send buffer or the write would block forever.
func sendData(data []byte) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create communication pipe: %s", err)
	}

	bufSize, err := unix.GetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return -1, fmt.Errorf("failed to determine current pipe size: %s", err)
	}
	if bufSize <= len(data) {
		sylog.Warningf("current buffer size is %d, you may encounter some issues", bufSize)
		sylog.Warningf("the minimum recommended value is 65536, you can adjust this value with:")
		sylog.Warningf("\"echo 65536 > /proc/sys/net/core/wmem_default\"")
	}

	// the read side loses close-on-exec so the starter binary
	// inherits it
	pipeFd, err := unix.Dup(fds[1])
	if err != nil {
		return -1, fmt.Errorf("failed to duplicate pipe file descriptor: %s", err)
	}

	if n, err := unix.Write(fds[0], data); err != nil || n != len(data) {
		return -1, fmt.Errorf("failed to write configuration data: %s", err)
	}
	unix.Close(fds[0])

	return pipeFd, nil
}
