// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fd

import (
	"os"
	"testing"
)

func TestEnsure(t *testing.T) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open %s: %s", os.DevNull, err)
	}
	defer f.Close()

	closed, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open %s: %s", os.DevNull, err)
	}
	closedFd := int(closed.Fd())
	closed.Close()

	tests := []struct {
		name      string
		fds       []int
		shallPass bool
	}{
		{
			name:      "empty set",
			fds:       []int{},
			shallPass: true,
		},
		{
			name:      "open descriptors",
			fds:       []int{0, 1, 2, int(f.Fd())},
			shallPass: true,
		},
		{
			name:      "duplicate descriptor",
			fds:       []int{1, 2, 1},
			shallPass: false,
		},
		{
			name:      "negative descriptor",
			fds:       []int{-1},
			shallPass: false,
		},
		{
			name:      "closed descriptor",
			fds:       []int{closedFd},
			shallPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Ensure(tt.fds)
			if tt.shallPass && err != nil {
				t.Errorf("unexpected error: %s", err)
			}
			if !tt.shallPass && err == nil {
				t.Errorf("unexpected success")
			}
		})
	}
}

func TestClearCloexec(t *testing.T) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open %s: %s", os.DevNull, err)
	}
	defer f.Close()

	// os.Open sets close-on-exec
	if err := ClearCloexec(int(f.Fd())); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	// clearing twice must not fail
	if err := ClearCloexec(int(f.Fd())); err != nil {
		t.Fatalf("unexpected error on second call: %s", err)
	}
}
