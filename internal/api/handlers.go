package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reach-sh/reach/internal/protocol"
	"github.com/reach-sh/reach/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "reach-server",
		"online_clients": s.registry.OnlineCount(),
		"total_clients":  s.registry.TotalCount(),
	})
}

// handleInternalRegister is the registration webhook spec.md §6 reserves
// for the SSH Listener; in this implementation the listener calls the
// Registry in-process via tunnel.Registrar, so this endpoint exists for
// parity with the compatibility-relevant path table and for out-of-process
// listener deployments. It sits outside bearer auth and performs no
// source-address check of its own, so it accepts requests from any peer
// that can reach the HTTP listener.
func (s *Server) handleInternalRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string          `json:"fingerprint"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := s.registry.Register(body.Fingerprint, body.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uuid": id})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"version":        s.version,
		"online":         s.registry.OnlineCount(),
		"total":          s.registry.TotalCount(),
		"tunnels_active": s.registry.OnlineCount(),
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clients": s.registry.ListClients()})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	c, ok := s.registry.DescribeClient(id)
	if !ok {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAckKeyMismatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	status := store.AuditStatusSuccess
	if err := s.registry.AckKeyMismatch(id); err != nil {
		status = store.AuditStatusFailed
		s.writeAudit("client.ack_key_mismatch", id, "", status, r, nil)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	c, _ := s.registry.DescribeClient(id)
	s.writeAudit("client.ack_key_mismatch", id, c.DisplayName, status, r, nil)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	records, total, err := s.store.History(store.HistoryQuery{
		ClientUUID: id,
		Limit:      limit,
		Offset:     offset,
		Search:     q.Get("search"),
		Status:     q.Get("status"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": records,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	commandID := chi.URLParam(r, "commandID")
	rec, err := s.store.Get(id, commandID)
	if err != nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRun implements run(uuid, {command, cwd?, timeout?}) — spec.md
// §4.10 — persisting a Command Record regardless of transport outcome.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	var body struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
		Timeout int    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}
	if body.Timeout <= 0 {
		body.Timeout = 300
	}

	client, ok := s.registry.DescribeClient(id)
	if !ok {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	if !client.Online {
		writeError(w, http.StatusServiceUnavailable, "client offline")
		return
	}

	params, _ := json.Marshal(map[string]any{"cmd": body.Command, "cwd": body.Cwd, "timeout": body.Timeout})
	started := time.Now().UTC()

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(body.Timeout+5)*time.Second)
	defer cancel()
	resp, err := s.pool.Call(ctx, id, &protocol.Request{ID: uuid.NewString(), Method: "run_command", Params: params})

	rec := store.Record{
		ID:         uuid.NewString(),
		ClientUUID: id,
		Command:    body.Command,
		Cwd:        body.Cwd,
		StartedAt:  started,
	}

	if err != nil {
		rec.ReturnCode = -1
		rec.Stderr = err.Error()
		rec.CompletedAt = time.Now().UTC()
	} else if resp.Error != nil {
		rec.ReturnCode = -1
		rec.Stderr = resp.Error.Message
		rec.CompletedAt = time.Now().UTC()
	} else {
		var result struct {
			Stdout     string `json:"stdout"`
			Stderr     string `json:"stderr"`
			ReturnCode int    `json:"returncode"`
		}
		_ = json.Unmarshal(resp.Result, &result)
		rec.Stdout = result.Stdout
		rec.Stderr = result.Stderr
		rec.ReturnCode = result.ReturnCode
		rec.CompletedAt = time.Now().UTC()
	}
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()

	if appendErr := s.store.Append(rec); appendErr != nil {
		log.Error().Err(appendErr).Str("client", id).Msg("append command record")
	}
	s.events.Publish("command_executed", id, client.DisplayName, body.Command, map[string]any{
		"returncode": rec.ReturnCode,
	})

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	resp, err := s.rpc(r.Context(), id, "list_files", map[string]any{"path": path})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.forwardRPC(w, resp)
}

func (s *Server) handleFilesPreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	resp, err := s.rpc(r.Context(), id, "read_file", map[string]any{"path": path})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if resp.Error != nil {
		s.forwardRPC(w, resp)
		return
	}
	var result map[string]any
	_ = json.Unmarshal(resp.Result, &result)
	result["mime_type"] = mime.TypeByExtension(filepath.Ext(path))
	if result["mime_type"] == "" {
		result["mime_type"] = "application/octet-stream"
	}

	client, _ := s.registry.DescribeClient(id)
	s.events.Publish("file_accessed", id, client.DisplayName, path, nil)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFilesDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	client, ok := s.registry.DescribeClient(id)
	if !ok {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}

	sftpClient, dialErr := s.pool.Sftp(id)
	if dialErr != nil {
		s.writeAudit("file.download", id, path, store.AuditStatusFailed, r, map[string]any{"error": dialErr.Error()})
		writeError(w, http.StatusBadGateway, dialErr.Error())
		return
	}
	defer sftpClient.Close()

	f, openErr := sftpClient.Open(path)
	if openErr != nil {
		s.writeAudit("file.download", id, path, store.AuditStatusFailed, r, map[string]any{"error": openErr.Error()})
		writeError(w, http.StatusNotFound, openErr.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, f)

	s.events.Publish("file_accessed", id, client.DisplayName, path, map[string]any{"op": "download"})
	s.writeAudit("file.download", id, path, store.AuditStatusSuccess, r, nil)
}

func (s *Server) handleFilesUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	dest := r.URL.Query().Get("path")
	if dest == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	if err := r.ParseMultipartForm(store.MaxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' form field")
		return
	}
	defer file.Close()

	sftpClient, dialErr := s.pool.Sftp(id)
	if dialErr != nil {
		s.writeAudit("file.upload", id, dest, store.AuditStatusFailed, r, map[string]any{"error": dialErr.Error()})
		writeError(w, http.StatusBadGateway, dialErr.Error())
		return
	}
	defer sftpClient.Close()

	out, createErr := sftpClient.Create(dest)
	if createErr != nil {
		s.writeAudit("file.upload", id, dest, store.AuditStatusFailed, r, map[string]any{"error": createErr.Error()})
		writeError(w, http.StatusInternalServerError, createErr.Error())
		return
	}
	defer out.Close()

	n, copyErr := io.Copy(out, file)
	if copyErr != nil {
		s.writeAudit("file.upload", id, dest, store.AuditStatusFailed, r, map[string]any{"error": copyErr.Error()})
		writeError(w, http.StatusInternalServerError, copyErr.Error())
		return
	}

	client, _ := s.registry.DescribeClient(id)
	s.events.Publish("file_accessed", id, client.DisplayName, dest, map[string]any{"op": "upload", "size": n})
	s.writeAudit("file.upload", id, dest, store.AuditStatusSuccess, r, map[string]any{"size": n})
	writeJSON(w, http.StatusOK, map[string]any{"path": dest, "size": n})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.Recent(limit)})
}

// handleAuditLog surfaces the security-sensitive action log (key-mismatch
// acknowledgements, file uploads/downloads) recorded alongside command
// history. The uuid path param is optional; omitted, it returns the most
// recent entries across every client.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.AuditLog(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// writeAudit persists one audit record and logs (but never returns) a
// failure, matching the teacher's own audit.Write "log and swallow" idiom:
// an audit-write failure must never fail the operation it is recording.
func (s *Server) writeAudit(action, clientUUID, resourceName, status string, r *http.Request, detail map[string]any) {
	entry := store.AuditEntry{
		Action:       action,
		ClientUUID:   clientUUID,
		ResourceName: resourceName,
		Status:       status,
		IP:           r.RemoteAddr,
		Detail:       store.DetailJSON(detail),
	}
	if err := s.store.WriteAudit(entry); err != nil {
		log.Error().Err(err).Str("action", action).Msg("write audit entry")
	}
}

// rpc is a small helper shared by the files.* handlers that pass straight
// through to the agent dispatcher without persisting a Command Record.
func (s *Server) rpc(ctx context.Context, uuid, method string, params map[string]any) (*protocol.Response, error) {
	body, _ := json.Marshal(params)
	return s.pool.Call(ctx, uuid, &protocol.Request{ID: newRequestID(), Method: method, Params: body})
}

func (s *Server) forwardRPC(w http.ResponseWriter, resp *protocol.Response) {
	if resp.Error != nil {
		writeJSON(w, http.StatusBadGateway, resp.Error)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Result)
}

func newRequestID() string {
	return uuid.NewString()
}
