// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package capabilities

import "fmt"

// nvCCLICapabilities is the fixed extra capability list added to the
// bounding set when GPU setup with nvidia-container-cli is requested.
// nvidia-container-cli must be able to modify the container filesystem
// and device files while running from the starter environment.
var nvCCLICapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_DAC_READ_SEARCH",
	"CAP_FOWNER",
	"CAP_KILL",
	"CAP_MKNOD",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETPCAP",
	"CAP_SYS_ADMIN",
	"CAP_SYS_CHROOT",
	"CAP_SYS_PTRACE",
}

// Set holds the five capability sets applied to the container process
// right before privilege drop. Values are immutable once computed, the
// starter applies them exactly once.
type Set struct {
	Permitted   uint64 `json:"permitted"`
	Effective   uint64 `json:"effective"`
	Inheritable uint64 `json:"inheritable"`
	Bounding    uint64 `json:"bounding"`
	Ambient     uint64 `json:"ambient"`
}

// MaskFromNames returns the bitmask corresponding to the provided
// capability name list. Unknown capabilities are reported as error.
func MaskFromNames(caps []string) (uint64, error) {
	var mask uint64
	for _, name := range caps {
		c, ok := Map[name]
		if !ok {
			return 0, fmt.Errorf("unknown capability %s", name)
		}
		mask |= uint64(1) << c.Value
	}
	return mask, nil
}

// NamesFromMask returns capability names set in the provided bitmask.
func NamesFromMask(mask uint64) []string {
	var names []string
	for name, c := range Map {
		if mask&(uint64(1)<<c.Value) != 0 {
			names = append(names, name)
		}
	}
	return names
}

// Compute returns the capability set for the container process based on
// the authorized capability list. With nvCCLICaps the bounding set is
// expanded with the capabilities required by nvidia-container-cli.
func Compute(policy []string, nvCCLICaps bool) (Set, error) {
	caps, ignored := Normalize(policy)
	if len(ignored) > 0 {
		return Set{}, fmt.Errorf("unknown capabilities in policy: %v", ignored)
	}

	mask, err := MaskFromNames(caps)
	if err != nil {
		return Set{}, err
	}

	set := Set{
		Permitted:   mask,
		Effective:   mask,
		Inheritable: mask,
		Bounding:    mask,
		Ambient:     mask,
	}

	if nvCCLICaps {
		extra, err := MaskFromNames(nvCCLICapabilities)
		if err != nil {
			return Set{}, err
		}
		set.Bounding |= extra
	}

	return set, nil
}

// WithNvCCLIBounding returns a copy of the set with the bounding set
// expanded with the capabilities required by nvidia-container-cli.
func (s Set) WithNvCCLIBounding() Set {
	extra, err := MaskFromNames(nvCCLICapabilities)
	if err != nil {
		return s
	}
	s.Bounding |= extra
	return s
}

// Union returns the union of two capability sets.
func (s Set) Union(other Set) Set {
	return Set{
		Permitted:   s.Permitted | other.Permitted,
		Effective:   s.Effective | other.Effective,
		Inheritable: s.Inheritable | other.Inheritable,
		Bounding:    s.Bounding | other.Bounding,
		Ambient:     s.Ambient | other.Ambient,
	}
}

// Validate checks set consistency as enforced by the kernel: the
// effective set must be a subset of the permitted set and the ambient
// set a subset of the intersection of permitted and inheritable sets.
func (s Set) Validate() error {
	if s.Effective&^s.Permitted != 0 {
		for _, name := range NamesFromMask(s.Effective &^ s.Permitted) {
			return fmt.Errorf("%s is not in the permitted capability set", name)
		}
	}
	if s.Ambient&^(s.Permitted&s.Inheritable) != 0 {
		for _, name := range NamesFromMask(s.Ambient &^ (s.Permitted & s.Inheritable)) {
			return fmt.Errorf("ambient capability %s is not in both permitted and inheritable sets", name)
		}
	}
	return nil
}

// IsZero reports whether no capability is set in any of the five sets.
func (s Set) IsZero() bool {
	return s.Permitted == 0 && s.Effective == 0 && s.Inheritable == 0 &&
		s.Bounding == 0 && s.Ambient == 0
}
