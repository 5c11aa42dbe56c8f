// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package namespaces

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// SetupLoopback brings the loopback interface up in the current network
// namespace. It must run right after the network namespace becomes
// active and before any code able to make network connections.
func SetupLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return &NamespaceError{Kind: Network, Err: fmt.Errorf("could not get loopback interface: %s", err)}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return &NamespaceError{Kind: Network, Err: fmt.Errorf("could not bring loopback interface up: %s", err)}
	}
	return nil
}
