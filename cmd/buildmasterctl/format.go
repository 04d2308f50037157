package main

import (
	"github.com/fatih/color"
	"github.com/srand/buildmaster/pkg/protocol"
)

func resultString(result protocol.Result) string {
	switch result {
	case protocol.ResultSuccess:
		return color.GreenString(result.String())
	case protocol.ResultWarnings:
		return color.YellowString(result.String())
	case protocol.ResultSkipped:
		return color.CyanString(result.String())
	default:
		return color.RedString(result.String())
	}
}

func buildStateString(build *protocol.BuildInfo) string {
	if build.State.IsTerminal() {
		return resultString(build.Result)
	}
	return color.BlueString(string(build.State))
}

func workerStateString(state protocol.WorkerState) string {
	switch state {
	case protocol.WorkerRunning:
		return color.GreenString(string(state))
	case protocol.WorkerPaused, protocol.WorkerGracefulShutdownPending:
		return color.YellowString(string(state))
	default:
		return color.RedString(string(state))
	}
}
