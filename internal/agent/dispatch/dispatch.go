// Package dispatch implements the agent-side request handler: a pure
// function of request.method, handed one decoded protocol.Request and
// returning one protocol.Response. The Dispatcher holds only the
// collaborators each handler needs (path policy, SSH session manager);
// it keeps no per-request state of its own.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reach-sh/reach/internal/agent/metrics"
	"github.com/reach-sh/reach/internal/agent/sshsession"
	"github.com/reach-sh/reach/internal/pathpolicy"
	"github.com/reach-sh/reach/internal/protocol"
)

// Dispatcher routes decoded requests to their handler by method name.
type Dispatcher struct {
	policy   *pathpolicy.Policy
	sessions *sshsession.Manager
}

// New builds a Dispatcher backed by the given path policy and SSH session
// manager. Both must be non-nil.
func New(policy *pathpolicy.Policy, sessions *sshsession.Manager) *Dispatcher {
	return &Dispatcher{policy: policy, sessions: sessions}
}

// Handle is the dispatcher's one public entry point. It never panics on
// malformed input — any failure to parse params becomes an InvalidParams
// response, and an unrecognized method becomes MethodNotFound.
func (d *Dispatcher) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case "run_command":
		return d.runCommand(ctx, req)
	case "read_file":
		return d.readFile(req)
	case "write_file":
		return d.writeFile(req)
	case "list_files":
		return d.listFiles(req)
	case "heartbeat":
		return d.heartbeat(req)
	case "get_metrics":
		return d.getMetrics(req)
	case "ssh_session_open":
		return d.sshOpen(ctx, req)
	case "ssh_session_command":
		return d.sshCommand(req)
	case "ssh_session_close":
		return d.sshClose(req)
	case "ssh_session_list":
		return d.sshList(req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (d *Dispatcher) heartbeat(req *protocol.Request) *protocol.Response {
	resp, err := protocol.NewResultResponse(req.ID, map[string]string{"status": "alive"})
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err.Error())
	}
	return resp
}

func (d *Dispatcher) getMetrics(req *protocol.Request) *protocol.Response {
	var params struct {
		Summary bool `json:"summary"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
		}
	}
	snap, err := metrics.Snapshot(params.Summary)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err.Error())
	}
	resp, err := protocol.NewResultResponse(req.ID, snap)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err.Error())
	}
	return resp
}
