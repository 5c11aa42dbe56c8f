// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package fd validates the inherited file descriptor set right before
// an exec boundary. A stale or closed entry at this point could race
// with file descriptor reuse across the trust boundary, so validation
// failures are fatal.
package fd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IsOpen reports whether the file descriptor is open.
func IsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// Ensure checks that the descriptor list contains no duplicate and that
// every descriptor is still open.
func Ensure(fds []int) error {
	seen := make(map[int]bool, len(fds))
	for _, fd := range fds {
		if fd < 0 {
			return fmt.Errorf("invalid file descriptor %d", fd)
		}
		if seen[fd] {
			return fmt.Errorf("duplicate file descriptor %d", fd)
		}
		seen[fd] = true
		if !IsOpen(fd) {
			return fmt.Errorf("file descriptor %d is not open", fd)
		}
	}
	return nil
}

// ClearCloexec clears the close-on-exec flag so that the descriptor
// survives into the next stage.
func ClearCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("while getting flags of file descriptor %d: %s", fd, err)
	}
	if flags&unix.FD_CLOEXEC != 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC); err != nil {
			return fmt.Errorf("while clearing close-on-exec on file descriptor %d: %s", fd, err)
		}
	}
	return nil
}
