// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mainthread runs functions on the locked main thread. Thread
// scoped syscalls like setns and setresuid issued during stage 2 setup
// must all target the same thread, the one that will exec the payload.
package mainthread

import (
	"os"
	"syscall"
)

// FuncChannel passes functions executed in main thread.
var FuncChannel = make(chan func())

// Execute allows to execute a function in the main thread.
func Execute(f func()) {
	done := make(chan bool)
	FuncChannel <- func() {
		f()
		done <- true
	}
	<-done
}

// Chdir changes current working directory to the provided directory
// from the main thread.
func Chdir(dir string) (err error) {
	Execute(func() {
		err = os.Chdir(dir)
	})
	return
}

// Fchdir changes current working directory to the directory pointed by
// the file descriptor from the main thread.
func Fchdir(fd int) (err error) {
	Execute(func() {
		err = syscall.Fchdir(fd)
	})
	return
}
