package dispatch

import (
	"context"
	"encoding/json"

	"github.com/reach-sh/reach/internal/agent/sshsession"
	"github.com/reach-sh/reach/internal/protocol"
)

type sshOpenParams struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	Port     int    `json:"port,omitempty"`
}

func (d *Dispatcher) sshOpen(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params sshOpenParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	if params.Port == 0 {
		params.Port = 22
	}

	result, err := d.sessions.Open(ctx, sshsession.OpenParams{
		Host:     params.Host,
		Username: params.Username,
		Password: params.Password,
		KeyFile:  params.KeyFile,
		Port:     params.Port,
	})
	if err != nil {
		if sshsession.IsAuthError(err) {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}

	resp, err2 := protocol.NewResultResponse(req.ID, result)
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}

type sshCommandParams struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Timeout   int    `json:"timeout,omitempty"`
}

func (d *Dispatcher) sshCommand(req *protocol.Request) *protocol.Response {
	var params sshCommandParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 300
	}

	stdout, err := d.sessions.Command(params.SessionID, params.Command, timeout)
	if err != nil {
		if sshsession.IsUnknownSession(err) {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}

	resp, err2 := protocol.NewResultResponse(req.ID, map[string]string{
		"session_id": params.SessionID,
		"stdout":     stdout,
	})
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}

type sshCloseParams struct {
	SessionID string `json:"session_id"`
}

func (d *Dispatcher) sshClose(req *protocol.Request) *protocol.Response {
	var params sshCloseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}

	host, err := d.sessions.Close(params.SessionID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}

	resp, err2 := protocol.NewResultResponse(req.ID, map[string]any{
		"session_id": params.SessionID,
		"closed":     true,
		"host":       host,
	})
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}

func (d *Dispatcher) sshList(req *protocol.Request) *protocol.Response {
	sessions := d.sessions.List()
	resp, err := protocol.NewResultResponse(req.ID, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err.Error())
	}
	return resp
}
