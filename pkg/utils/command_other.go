//go:build !linux

package utils

import "os"

func (c *Command) setProcessGroup() {}

func (c *Command) Interrupt() error {
	return c.cmd.Process.Signal(os.Interrupt)
}

func (c *Command) Kill() error {
	return c.cmd.Process.Kill()
}
