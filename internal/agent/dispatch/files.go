package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/reach-sh/reach/internal/pathpolicy"
	"github.com/reach-sh/reach/internal/protocol"
)

type readFileParams struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
}

type readFileResult struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
	Path    string `json:"path"`
	Binary  bool   `json:"binary,omitempty"`
}

func (d *Dispatcher) readFile(req *protocol.Request) *protocol.Response {
	var params readFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	resolved, err := d.policy.Resolve(params.Path)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodePathDenied, err.Error())
	}

	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return protocol.NewErrorResponse(req.ID, protocol.CodeFileNotFound, "FileNotFound: "+params.Path)
	}
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}
	if info.IsDir() {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: not a regular file")
	}
	if info.Size() > pathpolicy.MaxFileBytes {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: file exceeds 10 MiB limit")
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}

	result := readFileResult{Path: params.Path, Size: info.Size()}
	if utf8.Valid(data) {
		result.Content = string(data)
	} else {
		result.Content = base64.StdEncoding.EncodeToString(data)
		result.Binary = true
	}

	resp, err2 := protocol.NewResultResponse(req.ID, result)
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}

type writeFileParams struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Binary   bool   `json:"binary,omitempty"`
}

type writeFileResult struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

func (d *Dispatcher) writeFile(req *protocol.Request) *protocol.Response {
	var params writeFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	resolved, err := d.policy.Resolve(params.Path)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodePathDenied, err.Error())
	}

	var data []byte
	if params.Binary {
		data, err = base64.StdEncoding.DecodeString(params.Content)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "invalid base64 content: "+err.Error())
		}
	} else {
		data = []byte(params.Content)
	}
	if len(data) > pathpolicy.MaxFileBytes {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: content exceeds 10 MiB limit")
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}

	resp, err2 := protocol.NewResultResponse(req.ID, writeFileResult{Path: params.Path, Size: len(data)})
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}

type listFilesParams struct {
	Path string `json:"path"`
}

type fileEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Size  int64  `json:"size,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Mtime string `json:"mtime,omitempty"`
	Error string `json:"error,omitempty"`
}

type listFilesResult struct {
	Path    string      `json:"path"`
	Entries []fileEntry `json:"entries"`
}

func (d *Dispatcher) listFiles(req *protocol.Request) *protocol.Response {
	var params listFilesParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	resolved, err := d.policy.Resolve(params.Path)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodePathDenied, err.Error())
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, "CommandFailed: "+err.Error())
	}

	entries := make([]fileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			entries = append(entries, fileEntry{Name: de.Name(), Type: "unknown", Error: "permission denied"})
			continue
		}
		typ := "file"
		if info.IsDir() {
			typ = "dir"
		}
		entries = append(entries, fileEntry{
			Name:  de.Name(),
			Type:  typ,
			Size:  info.Size(),
			Mode:  fmt.Sprintf("%04o", info.Mode().Perm()),
			Mtime: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	resp, err2 := protocol.NewResultResponse(req.ID, listFilesResult{Path: params.Path, Entries: entries})
	if err2 != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeCommandFailed, err2.Error())
	}
	return resp
}
