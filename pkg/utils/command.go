package utils

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/srand/buildmaster/pkg/log"
)

type commandError struct {
	message string
	details string
}

func NewCmdError(message, details string) error {
	return &commandError{
		message: message,
		details: details,
	}
}

func (c *commandError) Details() string {
	return c.details
}

func (c *commandError) Error() string {
	return c.message
}

// A child process running in its own process group, so that an
// interrupt reaches everything it spawned.
type Command struct {
	cmd *exec.Cmd
}

func NewCommand(args ...string) *Command {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	c := &Command{cmd: cmd}
	c.setProcessGroup()
	return c
}

func (c *Command) SetStdout(w io.Writer) {
	c.cmd.Stdout = w
}

func (c *Command) SetStderr(w io.Writer) {
	c.cmd.Stderr = w
}

func (c *Command) SetDir(dir string) {
	c.cmd.Dir = dir
}

// Sets extra environment variables on top of the current environment.
func (c *Command) SetEnv(env map[string]string) {
	c.cmd.Env = os.Environ()
	for key, value := range env {
		c.cmd.Env = append(c.cmd.Env, key+"="+value)
	}
}

func (c *Command) Args() []string {
	return c.cmd.Args
}

func (c *Command) Start() error {
	log.Debug("Running", strings.Join(c.cmd.Args, " "))
	return c.cmd.Start()
}

func (c *Command) Wait() error {
	return c.cmd.Wait()
}

func (c *Command) Process() *os.Process {
	return c.cmd.Process
}

// Returns the exit status carried by an error from Wait.
// Returns 0 for a nil error and -1 if the status is unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
