package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/reach-sh/reach/internal/protocol"
)

type runCommandParams struct {
	Cmd     string `json:"cmd"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type runCommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

func (d *Dispatcher) runCommand(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params runCommandParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	if params.Cmd == "" {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "cmd is required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 300
	}

	var cwd string
	if params.Cwd != "" {
		resolved, err := d.policy.Resolve(params.Cwd)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodePathDenied, err.Error())
		}
		cwd = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", params.Cmd)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := runCommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case runCtx.Err() != nil:
		result.Stdout = ""
		result.Stderr = fmt.Sprintf("Command timed out after %d seconds", timeout)
		result.ReturnCode = -1
	case err == nil:
		result.ReturnCode = 0
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
		}
	}

	resp, err2 := protocol.NewResultResponse(req.ID, result)
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}
