// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package capabilities

import (
	"reflect"
	"sort"
	"testing"
)

func TestSplit(t *testing.T) {
	testCaps := []struct {
		caps   string
		length int
	}{
		{
			caps:   "chown, sys_admin",
			length: 2,
		},
		{
			caps:   "CAP_,     sys_admin        ",
			length: 1,
		},
		{
			caps:   "cap_sys_admin, cap_chown",
			length: 2,
		},
		{
			caps:   "CAP_sys_admin,CHOWN",
			length: 2,
		},
		{
			caps:   "chown, CAP_ALL",
			length: len(Map),
		},
		{
			caps:   "cap_all",
			length: len(Map),
		},
	}
	for _, tc := range testCaps {
		caps, _ := Split(tc.caps)
		if len(caps) != tc.length {
			t.Errorf("should have returned %d as capability len instead of %d", tc.length, len(caps))
		}
	}
}

func TestRemoveDuplicated(t *testing.T) {
	tt := []struct {
		name   string
		in     []string
		expect []string
	}{
		{
			name:   "no duplicates",
			in:     []string{"CAP_CHOWN", "CAP_KILL", "CAP_SETGID"},
			expect: []string{"CAP_CHOWN", "CAP_KILL", "CAP_SETGID"},
		},
		{
			name:   "duplicated entry",
			in:     []string{"CAP_CHOWN", "CAP_KILL", "CAP_CHOWN"},
			expect: []string{"CAP_CHOWN", "CAP_KILL"},
		},
		{
			name:   "all duplicated",
			in:     []string{"CAP_KILL", "CAP_KILL", "CAP_KILL"},
			expect: []string{"CAP_KILL"},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got := RemoveDuplicated(tc.in)
			sort.Strings(got)
			sort.Strings(tc.expect)
			if !reflect.DeepEqual(got, tc.expect) {
				t.Errorf("got %v, expect %v", got, tc.expect)
			}
		})
	}
}

func TestMaskFromNames(t *testing.T) {
	tests := []struct {
		name      string
		caps      []string
		mask      uint64
		shallPass bool
	}{
		{
			name:      "empty list",
			caps:      []string{},
			mask:      0,
			shallPass: true,
		},
		{
			name:      "chown and setuid",
			caps:      []string{"CAP_CHOWN", "CAP_SETUID"},
			mask:      uint64(1)<<0 | uint64(1)<<7,
			shallPass: true,
		},
		{
			name:      "unknown capability",
			caps:      []string{"CAP_DOES_NOT_EXIST"},
			shallPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, err := MaskFromNames(tt.caps)
			if tt.shallPass && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !tt.shallPass && err == nil {
				t.Fatalf("unexpected success")
			}
			if tt.shallPass && mask != tt.mask {
				t.Errorf("got mask %#x, expect %#x", mask, tt.mask)
			}
		})
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name       string
		policy     []string
		nvCCLICaps bool
		shallPass  bool
	}{
		{
			name:      "empty policy",
			policy:    []string{},
			shallPass: true,
		},
		{
			name:      "default policy",
			policy:    []string{"CAP_SETUID", "CAP_SETGID", "CAP_SYS_ADMIN"},
			shallPass: true,
		},
		{
			name:       "policy with nvidia-container-cli caps",
			policy:     []string{"CAP_NET_BIND_SERVICE"},
			nvCCLICaps: true,
			shallPass:  true,
		},
		{
			name:      "unknown capability in policy",
			policy:    []string{"CAP_NOT_A_CAP"},
			shallPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Compute(tt.policy, tt.nvCCLICaps)
			if tt.shallPass && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !tt.shallPass {
				if err == nil {
					t.Fatalf("unexpected success")
				}
				return
			}

			// kernel invariants must hold for every computed set
			if set.Effective&^set.Permitted != 0 {
				t.Errorf("effective set is not a subset of permitted set")
			}
			if set.Ambient&^(set.Permitted&set.Inheritable) != 0 {
				t.Errorf("ambient set is not a subset of permitted and inheritable sets")
			}
			if err := set.Validate(); err != nil {
				t.Errorf("computed set fails validation: %s", err)
			}

			if tt.nvCCLICaps {
				extra, _ := MaskFromNames(nvCCLICapabilities)
				if set.Bounding&extra != extra {
					t.Errorf("bounding set misses nvidia-container-cli capabilities")
				}
				if set.Permitted&extra != 0 && len(tt.policy) == 0 {
					t.Errorf("permitted set must not be expanded by nvidia-container-cli capabilities")
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		set       Set
		shallPass bool
	}{
		{
			name:      "zero set",
			set:       Set{},
			shallPass: true,
		},
		{
			name: "consistent set",
			set: Set{
				Permitted:   0xff,
				Effective:   0x0f,
				Inheritable: 0xff,
				Bounding:    0xff,
				Ambient:     0x0f,
			},
			shallPass: true,
		},
		{
			name: "effective outside permitted",
			set: Set{
				Permitted: 0x01,
				Effective: 0x03,
			},
			shallPass: false,
		},
		{
			name: "ambient outside inheritable",
			set: Set{
				Permitted:   0xff,
				Effective:   0xff,
				Inheritable: 0x01,
				Ambient:     0x02,
			},
			shallPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if tt.shallPass && err != nil {
				t.Errorf("unexpected error: %s", err)
			}
			if !tt.shallPass && err == nil {
				t.Errorf("unexpected success")
			}
		})
	}
}

func TestUnion(t *testing.T) {
	a := Set{Permitted: 0x01, Effective: 0x01, Bounding: 0x03}
	b := Set{Permitted: 0x02, Inheritable: 0x04, Ambient: 0x00}

	u := a.Union(b)

	if u.Permitted != 0x03 || u.Effective != 0x01 || u.Inheritable != 0x04 || u.Bounding != 0x03 {
		t.Errorf("unexpected union result: %+v", u)
	}
}
