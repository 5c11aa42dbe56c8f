// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package config

import (
	"encoding/json"
	"fmt"
)

const (
	// MaxPayloadSize is the hard limit on the serialized engine
	// configuration accepted by the starter binary.
	MaxPayloadSize = 128 * 1024

	// payloadMapGranularity is the allocation granularity used to
	// round up the payload buffer reserved by the starter.
	payloadMapGranularity = 4096
)

// EngineConfig is a generic interface for the engine specific
// configuration carried inside Common.
type EngineConfig interface{}

// Common provides the basis for all engine configs. Anything that
// is not *specific* to a particular engine, but all of them, should
// be stored here.
type Common struct {
	EngineName string `json:"engineName"`
	// ContainerID may be empty if the engine does not run containers
	// as persistent instances.
	ContainerID string `json:"containerID"`
	// EngineConfig is the engine specific configuration. It is
	// serialized along with the rest of Common and deserialized
	// by the engine returned from the registry.
	EngineConfig EngineConfig `json:"engineConfig"`
}

// Marshal serializes the common configuration and checks it against
// the starter payload limit, so that an oversized configuration is
// refused before any process is spawned.
func (c *Common) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("while marshaling engine configuration: %s", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("engine configuration too big: %d bytes (limit %d)", len(data), MaxPayloadSize)
	}
	return data, nil
}

// PayloadMapSize returns the buffer size to reserve for an engine
// payload of the given length, rounded up to the map granularity.
func PayloadMapSize(length int) int {
	if length <= 0 {
		return payloadMapGranularity
	}
	rounded := (length + payloadMapGranularity - 1) / payloadMapGranularity
	return rounded * payloadMapGranularity
}
