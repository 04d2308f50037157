//go:build linux

package utils

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func (c *Command) setProcessGroup() {
	c.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}

// Sends SIGINT to the process group.
func (c *Command) Interrupt() error {
	return unix.Kill(-c.cmd.Process.Pid, unix.SIGINT)
}

// Sends SIGKILL to the process group.
func (c *Command) Kill() error {
	return unix.Kill(-c.cmd.Process.Pid, unix.SIGKILL)
}
