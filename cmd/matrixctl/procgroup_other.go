//go:build !unix

package main

import (
	"os"
	"os/exec"
)

func setProcessGroup(c *exec.Cmd) {}

// interruptGroup kills p; there is no portable group signal.
func interruptGroup(p *os.Process) error { return p.Kill() }

func killGroup(p *os.Process) {}
