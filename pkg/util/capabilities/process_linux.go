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

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// PrivilegeError is reported when applying a capability set or changing
// process identity fails. Any error of this kind is fatal for a container
// launch, no partial privilege state is left behind by the starter.
type PrivilegeError struct {
	Op  string
	Err error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("privilege operation %q failed: %s", e.Op, e.Err)
}

func (e *PrivilegeError) Unwrap() error {
	return e.Err
}

// getProcessCapabilities returns capabilities either effective,
// permitted or inheritable for the current process.
func getProcessCapabilities(capType string) (uint64, error) {
	var caps uint64
	var data [2]unix.CapUserData
	var header unix.CapUserHeader

	header.Version = unix.LINUX_CAPABILITY_VERSION_3

	if err := unix.Capget(&header, &data[0]); err != nil {
		return caps, fmt.Errorf("while getting capability: %s", err)
	}

	switch capType {
	case Effective:
		caps = uint64(data[0].Effective)
		caps |= uint64(data[1].Effective) << 32
	case Permitted:
		caps = uint64(data[0].Permitted)
		caps |= uint64(data[1].Permitted) << 32
	case Inheritable:
		caps = uint64(data[0].Inheritable)
		caps |= uint64(data[1].Inheritable) << 32
	}

	return caps, nil
}

// GetProcessEffective returns effective capabilities for
// the current process.
func GetProcessEffective() (uint64, error) {
	return getProcessCapabilities(Effective)
}

// GetProcessPermitted returns permitted capabilities for
// the current process.
func GetProcessPermitted() (uint64, error) {
	return getProcessCapabilities(Permitted)
}

// GetProcessInheritable returns inheritable capabilities for
// the current process.
func GetProcessInheritable() (uint64, error) {
	return getProcessCapabilities(Inheritable)
}

// SetProcessEffective sets effective capabilities for the current
// process and returns the previous effective set.
func SetProcessEffective(caps uint64) (uint64, error) {
	var data [2]unix.CapUserData
	var header unix.CapUserHeader

	header.Version = unix.LINUX_CAPABILITY_VERSION_3

	if err := unix.Capget(&header, &data[0]); err != nil {
		return 0, fmt.Errorf("while getting capability: %s", err)
	}

	oldEffective := uint64(data[0].Effective) | uint64(data[1].Effective)<<32
	permitted := uint64(data[0].Permitted) | uint64(data[1].Permitted)<<32

	if caps&^permitted != 0 {
		for _, name := range NamesFromMask(caps &^ permitted) {
			return 0, fmt.Errorf("while setting effective capabilities: %s is not in the permitted capability set", name)
		}
	}

	data[0].Effective = uint32(caps)
	data[1].Effective = uint32(caps >> 32)

	if err := unix.Capset(&header, &data[0]); err != nil {
		return 0, fmt.Errorf("while setting effective capabilities: %s", err)
	}

	return oldEffective, nil
}

// KeepCaps raises the keepcaps flag so the permitted set survives an
// identity switch away from uid 0. Apply clears the flag once the
// final capability sets are installed.
func KeepCaps() error {
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return &PrivilegeError{Op: "keepcaps", Err: err}
	}
	return nil
}

// dropBounding clears every bounding set bit not present in the mask.
// Requires CAP_SETPCAP in the caller effective set, so it must run
// before the permitted/effective sets are lowered. Bits already clear
// are skipped, dropping them again would need CAP_SETPCAP even though
// there is nothing left to drop.
func dropBounding(mask uint64) error {
	for _, c := range Map {
		bit := uint64(1) << c.Value
		if mask&bit != 0 {
			continue
		}
		r, err := unix.PrctlRetInt(unix.PR_CAPBSET_READ, uintptr(c.Value), 0, 0, 0)
		if err != nil {
			// bounding bits above the kernel highest capability
			// are always clear
			if err == unix.EINVAL {
				continue
			}
			return fmt.Errorf("while reading %s bounding state: %s", c.Name, err)
		}
		if r == 0 {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c.Value), 0, 0, 0); err != nil {
			return fmt.Errorf("while dropping %s from bounding set: %s", c.Name, err)
		}
	}
	return nil
}

// setAmbient clears the ambient set and raises the bits of the mask.
func setAmbient(mask uint64) error {
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return fmt.Errorf("while clearing ambient capabilities: %s", err)
	}
	for _, c := range Map {
		if mask&(uint64(1)<<c.Value) == 0 {
			continue
		}
		if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, uintptr(c.Value), 0, 0); err != nil {
			return fmt.Errorf("while raising ambient capability %s: %s", c.Name, err)
		}
	}
	return nil
}

// Apply installs the capability set on the current process, after
// namespace and identity setup and before the no-new-privileges flag
// is set. Order matters: the bounding set is reduced while CAP_SETPCAP
// is still effective, then the main sets are written with a single
// capset call, then ambient bits are raised once they are covered by
// the permitted and inheritable sets. Applying the same set a second
// time never raises the effective set beyond the target.
func (s Set) Apply() error {
	if err := s.Validate(); err != nil {
		return &PrivilegeError{Op: "validate", Err: err}
	}

	// an identity switch away from uid 0 empties the effective set
	// while keepcaps preserved the permitted bits, CAP_SETPCAP must
	// be effective again before the bounding set is reduced
	setpcap := uint64(1) << Map["CAP_SETPCAP"].Value
	effective, err := GetProcessEffective()
	if err != nil {
		return &PrivilegeError{Op: "capget", Err: err}
	}
	permitted, err := GetProcessPermitted()
	if err != nil {
		return &PrivilegeError{Op: "capget", Err: err}
	}
	if effective&setpcap == 0 && permitted&setpcap != 0 {
		if _, err := SetProcessEffective(effective | setpcap); err != nil {
			return &PrivilegeError{Op: "setpcap", Err: err}
		}
	}

	if err := dropBounding(s.Bounding); err != nil {
		return &PrivilegeError{Op: "capbset_drop", Err: err}
	}

	var data [2]unix.CapUserData
	var header unix.CapUserHeader

	header.Version = unix.LINUX_CAPABILITY_VERSION_3

	data[0].Permitted = uint32(s.Permitted)
	data[1].Permitted = uint32(s.Permitted >> 32)
	data[0].Effective = uint32(s.Effective)
	data[1].Effective = uint32(s.Effective >> 32)
	data[0].Inheritable = uint32(s.Inheritable)
	data[1].Inheritable = uint32(s.Inheritable >> 32)

	if err := unix.Capset(&header, &data[0]); err != nil {
		return &PrivilegeError{Op: "capset", Err: err}
	}

	if err := setAmbient(s.Ambient); err != nil {
		return &PrivilegeError{Op: "ambient", Err: err}
	}

	// the keepcaps flag raised for the identity switch has no purpose
	// once the final sets are installed
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil {
		return &PrivilegeError{Op: "keepcaps", Err: err}
	}

	return nil
}

// DropAll removes every capability from the current process, including
// ambient and bounding sets.
func DropAll() error {
	if err := cap.ResetAmbient(); err != nil {
		return &PrivilegeError{Op: "reset_ambient", Err: err}
	}

	for c := cap.Value(0); c < cap.MaxBits(); c++ {
		if err := cap.DropBound(c); err != nil {
			return &PrivilegeError{Op: "drop_bound", Err: err}
		}
	}

	if err := cap.NewSet().SetProc(); err != nil {
		return &PrivilegeError{Op: "clear_sets", Err: err}
	}

	return nil
}
