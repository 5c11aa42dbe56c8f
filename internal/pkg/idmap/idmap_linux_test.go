// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package idmap

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// recorder records the order of mapping operations instead of touching
// the proc filesystem.
type recorder struct {
	ops  []string
	fail string
}

func (r *recorder) writeFile(path string, data []byte) error {
	op := path[strings.LastIndex(path, "/")+1:]
	if op == r.fail {
		return fmt.Errorf("write %s failed", path)
	}
	r.ops = append(r.ops, op)
	return nil
}

func (r *recorder) runHelper(path string, args []string) error {
	if path == r.fail {
		return fmt.Errorf("helper %s failed", path)
	}
	r.ops = append(r.ops, path)
	return nil
}

func singleMapping(id uint32) []specs.LinuxIDMapping {
	return []specs.LinuxIDMapping{{ContainerID: id, HostID: id, Size: 1}}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name      string
		mappings  []specs.LinuxIDMapping
		expect    string
		shallPass bool
	}{
		{
			name:      "single mapping",
			mappings:  singleMapping(1000),
			expect:    "1000 1000 1\n",
			shallPass: true,
		},
		{
			name: "two ranges",
			mappings: []specs.LinuxIDMapping{
				{ContainerID: 0, HostID: 1000, Size: 1},
				{ContainerID: 1, HostID: 100000, Size: 65536},
			},
			expect:    "0 1000 1\n1 100000 65536\n",
			shallPass: true,
		},
		{
			name: "oversized table",
			mappings: func() []specs.LinuxIDMapping {
				var m []specs.LinuxIDMapping
				for i := 0; i < MaxMapSize; i++ {
					m = append(m, specs.LinuxIDMapping{ContainerID: uint32(i), HostID: uint32(i), Size: 1})
				}
				return m
			}(),
			shallPass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := Format(tt.mappings)
			if tt.shallPass && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !tt.shallPass {
				var mapErr *MappingError
				if !errors.As(err, &mapErr) {
					t.Fatalf("expected MappingError, got %v", err)
				}
				return
			}
			if text != tt.expect {
				t.Errorf("got %q, expect %q", text, tt.expect)
			}
		})
	}
}

func TestInstallOrdering(t *testing.T) {
	rec := &recorder{}

	config := Config{
		UIDMap:         singleMapping(1000),
		GIDMap:         singleMapping(1000),
		AllowSetgroups: false,
	}

	if err := install(1234, config, rec); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	expect := []string{"setgroups", "gid_map", "uid_map"}
	if len(rec.ops) != len(expect) {
		t.Fatalf("got %d operations, expect %d: %v", len(rec.ops), len(expect), rec.ops)
	}
	// setgroups must be written strictly before the GID map, the
	// kernel rejects unprivileged GID map writes otherwise
	for i, op := range expect {
		if rec.ops[i] != op {
			t.Errorf("operation %d is %q, expect %q (trace %v)", i, rec.ops[i], op, rec.ops)
		}
	}
}

func TestInstallEmptyMapping(t *testing.T) {
	rec := &recorder{}

	err := install(1234, Config{}, rec)
	if err == nil {
		t.Fatalf("unexpected success")
	}
	var mapErr *MappingError
	if !errors.As(err, &mapErr) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if len(rec.ops) != 0 {
		t.Errorf("no operation expected, got %v", rec.ops)
	}
}

func TestInstallMissingHelper(t *testing.T) {
	rec := &recorder{}

	config := Config{
		UIDMap:        singleMapping(1000),
		GIDMap:        singleMapping(1000),
		NewUIDMapPath: "/does/not/exist/newuidmap",
		NewGIDMapPath: "/does/not/exist/newgidmap",
	}

	err := install(1234, config, rec)
	if err == nil {
		t.Fatalf("unexpected success")
	}
	var mapErr *MappingError
	if !errors.As(err, &mapErr) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	// the helper path is validated before anything is written
	if len(rec.ops) != 0 {
		t.Errorf("partial installation happened: %v", rec.ops)
	}
}

func TestInstallGIDMapFailure(t *testing.T) {
	rec := &recorder{fail: "gid_map"}

	config := Config{
		UIDMap: singleMapping(1000),
		GIDMap: singleMapping(1000),
	}

	err := install(1234, config, rec)
	if err == nil {
		t.Fatalf("unexpected success")
	}
	// uid_map must not be written after a gid_map failure
	for _, op := range rec.ops {
		if op == "uid_map" {
			t.Errorf("uid_map written after gid_map failure: %v", rec.ops)
		}
	}
}

func TestHelperArgs(t *testing.T) {
	args := helperArgs(42, []specs.LinuxIDMapping{
		{ContainerID: 0, HostID: 1000, Size: 1},
		{ContainerID: 1, HostID: 100000, Size: 65536},
	})

	expect := []string{"42", "0", "1000", "1", "1", "100000", "65536"}
	if len(args) != len(expect) {
		t.Fatalf("got %d args, expect %d", len(args), len(expect))
	}
	for i := range expect {
		if args[i] != expect[i] {
			t.Errorf("arg %d is %q, expect %q", i, args[i], expect[i])
		}
	}
}
