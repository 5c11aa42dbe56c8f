// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fakeroot

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/vzokay/apptainer/internal/pkg/test"
)

func writeSubIDFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "subuid")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %s", path, err)
	}
	return path
}

func TestGetIDRange(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	uid := uint32(os.Getuid())

	tests := []struct {
		name       string
		content    string
		expectHost uint32
		shallPass  bool
	}{
		{
			name:       "numeric ID entry",
			content:    fmt.Sprintf("%d:165536:65536\n", uid),
			expectHost: 165536,
			shallPass:  true,
		},
		{
			name:      "no entry for user",
			content:   "someotheruser:165536:65536\n",
			shallPass: false,
		},
		{
			name:      "range too small",
			content:   fmt.Sprintf("%d:165536:1024\n", uid),
			shallPass: false,
		},
		{
			name: "small range followed by valid range",
			content: fmt.Sprintf("%d:165536:1024\n%d:231072:65536\n",
				uid, uid),
			expectHost: 231072,
			shallPass:  true,
		},
		{
			name:      "malformed start ID",
			content:   fmt.Sprintf("%d:bad:65536\n", uid),
			shallPass: false,
		},
		{
			name:      "comments and blank lines only",
			content:   "# subordinate ids\n\n",
			shallPass: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSubIDFile(t, tt.content)

			idRange, err := GetIDRange(path, uid)
			if tt.shallPass {
				if err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
				if idRange.ContainerID != 1 {
					t.Errorf("bad container ID %d", idRange.ContainerID)
				}
				if idRange.HostID != tt.expectHost {
					t.Errorf("bad host ID %d, expected %d", idRange.HostID, tt.expectHost)
				}
				if idRange.Size != 65536 {
					t.Errorf("bad range size %d", idRange.Size)
				}
			} else if err == nil {
				t.Errorf("unexpected success with mapping %v", idRange)
			}
		})
	}
}

func TestGetIDRangeMissingFile(t *testing.T) {
	test.DropPrivilege(t)
	defer test.ResetPrivilege(t)

	if _, err := GetIDRange(filepath.Join(t.TempDir(), "missing"), 0); err == nil {
		t.Errorf("unexpected success with missing subordinate ID file")
	}
}
