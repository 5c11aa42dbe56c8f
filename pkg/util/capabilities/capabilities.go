// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package capabilities provides the capability name table and the process
// capability sets manipulated by the starter during privilege drop.
package capabilities

import "strings"

const (
	// Permitted capability string constant.
	Permitted string = "permitted"
	// Effective capability string constant.
	Effective = "effective"
	// Inheritable capability string constant.
	Inheritable = "inheritable"
	// Ambient capability string constant.
	Ambient = "ambient"
	// Bounding capability string constant.
	Bounding = "bounding"
)

type capability struct {
	Name        string
	Value       uint
	Description string
}

// Map maps each capability name to a struct with details about the capability.
var Map = map[string]*capability{}

func init() {
	caps := []capability{
		{"CAP_CHOWN", 0, "Make arbitrary changes to file UIDs and GIDs (see chown(2))."},
		{"CAP_DAC_OVERRIDE", 1, "Bypass file read, write, and execute permission checks."},
		{"CAP_DAC_READ_SEARCH", 2, "Bypass file read permission checks and directory read and execute permission checks."},
		{"CAP_FOWNER", 3, "Bypass permission checks on operations that normally require the filesystem UID of the process to match the UID of the file."},
		{"CAP_FSETID", 4, "Don't clear set-user-ID and set-group-ID mode bits when a file is modified."},
		{"CAP_KILL", 5, "Bypass permission checks for sending signals (see kill(2))."},
		{"CAP_SETGID", 6, "Make arbitrary manipulations of process GIDs; write a group ID mapping in a user namespace."},
		{"CAP_SETUID", 7, "Make arbitrary manipulations of process UIDs; write a user ID mapping in a user namespace."},
		{"CAP_SETPCAP", 8, "Add any capability from the bounding set to the inheritable set; drop capabilities from the bounding set."},
		{"CAP_LINUX_IMMUTABLE", 9, "Set the FS_APPEND_FL and FS_IMMUTABLE_FL inode flags (see chattr(1))."},
		{"CAP_NET_BIND_SERVICE", 10, "Bind a socket to Internet domain privileged ports (port numbers less than 1024)."},
		{"CAP_NET_BROADCAST", 11, "(Unused) Make socket broadcasts, and listen to multicasts."},
		{"CAP_NET_ADMIN", 12, "Perform various network-related operations (interface configuration, routing tables, ...)."},
		{"CAP_NET_RAW", 13, "Use RAW and PACKET sockets; bind to any address for transparent proxying."},
		{"CAP_IPC_LOCK", 14, "Lock memory (mlock(2), mlockall(2), mmap(2), shmctl(2))."},
		{"CAP_IPC_OWNER", 15, "Bypass permission checks for operations on System V IPC objects."},
		{"CAP_SYS_MODULE", 16, "Load and unload kernel modules."},
		{"CAP_SYS_RAWIO", 17, "Perform I/O port operations; access /proc/kcore; use FIBMAP."},
		{"CAP_SYS_CHROOT", 18, "Use chroot(2) and change mount namespaces using setns(2)."},
		{"CAP_SYS_PTRACE", 19, "Trace arbitrary processes using ptrace(2); apply get/set operations to arbitrary processes."},
		{"CAP_SYS_PACCT", 20, "Use acct(2)."},
		{"CAP_SYS_ADMIN", 21, "Perform a range of system administration operations including mount(2), umount(2), swapon(2)."},
		{"CAP_SYS_BOOT", 22, "Use reboot(2) and kexec_load(2)."},
		{"CAP_SYS_NICE", 23, "Raise process nice value and change the nice value for arbitrary processes."},
		{"CAP_SYS_RESOURCE", 24, "Override resource limits and quota limits."},
		{"CAP_SYS_TIME", 25, "Set system clock; set real-time (hardware) clock."},
		{"CAP_SYS_TTY_CONFIG", 26, "Use vhangup(2); employ various privileged ioctl(2) operations on virtual terminals."},
		{"CAP_MKNOD", 27, "Create special files using mknod(2)."},
		{"CAP_LEASE", 28, "Establish leases on arbitrary files (see fcntl(2))."},
		{"CAP_AUDIT_WRITE", 29, "Write records to kernel auditing log."},
		{"CAP_AUDIT_CONTROL", 30, "Enable and disable kernel auditing; change auditing filter rules."},
		{"CAP_SETFCAP", 31, "Set file capabilities."},
		{"CAP_MAC_OVERRIDE", 32, "Allow MAC configuration or state changes. Implemented for the Smack LSM."},
		{"CAP_MAC_ADMIN", 33, "Override Mandatory Access Control. Implemented for the Smack LSM."},
		{"CAP_SYSLOG", 34, "Perform privileged syslog(2) operations."},
		{"CAP_WAKE_ALARM", 35, "Trigger something that will wake up the system."},
		{"CAP_BLOCK_SUSPEND", 36, "Employ features that can block system suspend."},
		{"CAP_AUDIT_READ", 37, "Allow reading the audit log via a multicast netlink socket."},
		{"CAP_PERFMON", 38, "Employ various performance-monitoring mechanisms."},
		{"CAP_BPF", 39, "Employ privileged BPF operations."},
		{"CAP_CHECKPOINT_RESTORE", 40, "Employ the set of functionality needed for checkpoint/restore."},
	}
	for i := range caps {
		Map[caps[i].Name] = &caps[i]
	}
}

// Normalize takes a slice of capabilities and returns a slice of valid
// capabilities in canonical form and a second slice with unrecognized
// capabilities. The special value CAP_ALL expands to every known capability.
func Normalize(capabilities []string) ([]string, []string) {
	const capAll = "CAP_ALL"

	capabilities = normalize(capabilities)

	//nolint:prealloc
	var included []string
	var excluded []string
	for _, capb := range capabilities {
		if capb == capAll {
			excluded = excluded[:0]
			included = included[:0]
			for capb := range Map {
				included = append(included, capb)
			}
			break
		}
		if _, ok := Map[capb]; !ok {
			excluded = append(excluded, capb)
			continue
		}
		included = append(included, capb)
	}

	return RemoveDuplicated(included), RemoveDuplicated(excluded)
}

// Split takes a list of capabilities separated by commas and
// returns a string list with normalized capability names and a
// second list with unrecognized capabilities.
func Split(caps string) ([]string, []string) {
	if caps == "" {
		return []string{}, []string{}
	}
	return Normalize(strings.Split(caps, ","))
}

// RemoveDuplicated removes duplicated capabilities from provided list.
// It does not make a copy of the passed list.
func RemoveDuplicated(caps []string) []string {
	for i := 0; i < len(caps); i++ {
		for j := i + 1; j < len(caps); j++ {
			if caps[i] == caps[j] {
				caps[j] = caps[len(caps)-1]
				caps = caps[:len(caps)-1]
				j--
			}
		}
	}
	return caps
}

func normalize(capabilities []string) []string {
	const capPrefix = "CAP_"
	for i, capb := range capabilities {
		capb = strings.TrimSpace(capb)
		capb = strings.ToUpper(capb)
		if !strings.HasPrefix(capb, capPrefix) {
			capb = capPrefix + capb
		}
		capabilities[i] = capb
	}
	return capabilities
}
