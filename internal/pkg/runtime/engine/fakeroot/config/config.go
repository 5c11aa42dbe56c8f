// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package config

// Name of the engine.
const Name = "fakeroot"

// EngineConfig is the fakeroot engine configuration.
type EngineConfig struct {
	Args []string `json:"args"`
	Envs []string `json:"envs"`
	Home string   `json:"home"`
}
