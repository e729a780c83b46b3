package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/reach-sh/reach/internal/agent/sshsession"
	"github.com/reach-sh/reach/internal/pathpolicy"
	"github.com/reach-sh/reach/internal/protocol"
)

func newTestDispatcher(t *testing.T, roots []string) *Dispatcher {
	t.Helper()
	policy, err := pathpolicy.New(roots)
	if err != nil {
		t.Fatalf("pathpolicy.New: %v", err)
	}
	return New(policy, sshsession.NewManager())
}

func TestHandle_UnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "bogus"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Errorf("Handle(bogus) = %+v, want MethodNotFound", resp)
	}
}

func TestHandle_Heartbeat(t *testing.T) {
	d := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "heartbeat"})
	if resp.Error != nil {
		t.Fatalf("heartbeat error: %+v", resp.Error)
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "alive" {
		t.Errorf("heartbeat status = %q, want alive", out["status"])
	}
}

func TestRunCommand_Basic(t *testing.T) {
	d := newTestDispatcher(t, nil)
	params, _ := json.Marshal(map[string]any{"cmd": "echo hello"})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "run_command", Params: params})
	if resp.Error != nil {
		t.Fatalf("run_command error: %+v", resp.Error)
	}
	var out runCommandResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.ReturnCode != 0 {
		t.Errorf("returncode = %d, want 0", out.ReturnCode)
	}
}

func TestRunCommand_Timeout(t *testing.T) {
	d := newTestDispatcher(t, nil)
	params, _ := json.Marshal(map[string]any{"cmd": "sleep 5", "timeout": 1})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "run_command", Params: params})
	if resp.Error != nil {
		t.Fatalf("run_command error: %+v", resp.Error)
	}
	var out runCommandResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.ReturnCode != -1 {
		t.Errorf("returncode = %d, want -1", out.ReturnCode)
	}
	if out.Stderr == "" {
		t.Error("expected timeout message in stderr")
	}
}

func TestReadFile_PathDenied(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(t, []string{dir})
	params, _ := json.Marshal(map[string]any{"path": "/etc/passwd"})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "read_file", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodePathDenied {
		t.Errorf("read_file(/etc/passwd) = %+v, want PathDenied", resp)
	}
}

func TestWriteThenReadFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(t, []string{dir})
	target := filepath.Join(dir, "sub", "out.txt")

	wparams, _ := json.Marshal(map[string]any{"path": target, "content": "hello world"})
	wresp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "write_file", Params: wparams})
	if wresp.Error != nil {
		t.Fatalf("write_file error: %+v", wresp.Error)
	}

	rparams, _ := json.Marshal(map[string]any{"path": target})
	rresp := d.Handle(context.Background(), &protocol.Request{ID: "2", Method: "read_file", Params: rparams})
	if rresp.Error != nil {
		t.Fatalf("read_file error: %+v", rresp.Error)
	}
	var out readFileResult
	if err := json.Unmarshal(rresp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out.Content != "hello world" {
		t.Errorf("content = %q, want %q", out.Content, "hello world")
	}
	if out.Binary {
		t.Error("expected binary=false for UTF-8 text content")
	}
}

func TestWriteFile_BinaryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(t, []string{dir})
	target := filepath.Join(dir, "bin.dat")

	wparams, _ := json.Marshal(map[string]any{"path": target, "content": "SGVsbG8=", "binary": true})
	wresp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "write_file", Params: wparams})
	if wresp.Error != nil {
		t.Fatalf("write_file error: %+v", wresp.Error)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "Hello" {
		t.Errorf("written content = %q, want Hello", data)
	}
}

func TestReadFile_NotFound(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(t, []string{dir})
	params, _ := json.Marshal(map[string]any{"path": filepath.Join(dir, "missing.txt")})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "read_file", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeFileNotFound {
		t.Fatalf("read_file(missing) = %+v, want FileNotFound (-32002)", resp)
	}
}

func TestRunCommand_NonExitErrorIsCommandFailed(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(t, []string{dir})

	// cwd resolves fine (it's within the allow-list and exists) but is a
	// regular file, not a directory, so exec.Cmd.Start fails with a chdir
	// error rather than the process running and exiting non-zero — the
	// *exec.ExitError branch never applies here.
	notADir := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	params, _ := json.Marshal(map[string]any{"cmd": "echo hi", "cwd": notADir})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "run_command", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeCommandFailed {
		t.Fatalf("run_command(bad cwd) = %+v, want CommandFailed (-32000)", resp)
	}
}

func TestListFiles_Basic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := newTestDispatcher(t, []string{dir})
	params, _ := json.Marshal(map[string]any{"path": dir})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "list_files", Params: params})
	if resp.Error != nil {
		t.Fatalf("list_files error: %+v", resp.Error)
	}
	var out listFilesResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Entries) != 1 || out.Entries[0].Name != "a.txt" {
		t.Errorf("entries = %+v, want one entry named a.txt", out.Entries)
	}
}

func TestSSHSessionCommand_UnknownSession(t *testing.T) {
	d := newTestDispatcher(t, nil)
	params, _ := json.Marshal(map[string]any{"session_id": "deadbeef", "command": "ls"})
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "ssh_session_command", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Errorf("ssh_session_command(unknown) = %+v, want InvalidParams", resp)
	}
}

func TestSSHSessionList_Empty(t *testing.T) {
	d := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), &protocol.Request{ID: "1", Method: "ssh_session_list"})
	if resp.Error != nil {
		t.Fatalf("ssh_session_list error: %+v", resp.Error)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
}
