package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/packages"
	"github.com/luccadibe/wpfleet/internal/queue"
	"github.com/luccadibe/wpfleet/internal/scan"
)

const maxJSONBody = 1 << 20

type enqueueRequest struct {
	Jobs []queue.JobInput `json:"jobs"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleEnqueue handles POST /api/packages/jobs.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, job := range req.Jobs {
		if job.SiteTitle != "" || job.InstallationID == "" {
			continue
		}
		if inst, err := s.Store.GetInstallation(r.Context(), job.InstallationID); err == nil {
			req.Jobs[i].SiteTitle = inst.Title()
		}
	}
	if len(req.Jobs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "No valid package jobs were provided")
		return
	}
	res, err := s.Queue.Enqueue(req.Jobs)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleSnapshot handles GET /api/packages/jobs.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Queue.Snapshot())
}

type actionRequest struct {
	Actions []packages.Request `json:"actions"`
}

// handleAction handles POST /api/packages/actions: a batch of activate,
// deactivate and delete requests run immediately. Invalid entries are dropped;
// a busy site fails only its own entries.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	actions := make([]packages.Request, 0, len(req.Actions))
	for _, action := range req.Actions {
		if action.Validate() != nil || action.Operation.Queued() {
			continue
		}
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		writeJSONError(w, http.StatusBadRequest, "No valid package actions were provided")
		return
	}
	writeJSON(w, http.StatusOK, s.Executor.ExecuteActions(r.Context(), s.Queue.Locks(), actions))
}

// handleInstalled handles GET /api/packages/installed?kind=plugins|themes.
func (s *Server) handleInstalled(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.Inventory.Installed(r.Context(), kind)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []packages.InstalledPackage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleUpload handles POST /api/packages/upload with one or more "files"
// parts. Each archive is spooled to a temporary file and registered in order.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	tmp, err := os.MkdirTemp("", "wpfleet-upload-")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer os.RemoveAll(tmp)

	files := make([]packages.UploadFile, 0, len(headers))
	for i, fh := range headers {
		if fh.Size > packages.MaxUploadBytes {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("%s exceeds the %d MiB limit", fh.Filename, packages.MaxUploadBytes>>20))
			return
		}
		path := filepath.Join(tmp, strconv.Itoa(i)+".zip")
		if err := spool(fh, path); err != nil {
			s.writeStoreError(w, fmt.Errorf("store %s: %w", fh.Filename, err))
			return
		}
		files = append(files, packages.UploadFile{Name: filepath.Base(fh.Filename), Path: path})
	}
	writeJSON(w, http.StatusOK, s.Uploads.RegisterBatch(r.Context(), files))
}

func spool(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// handleListUploads handles GET /api/uploads?kind=.
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	var kind models.Kind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := models.ParseKind(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}
	list, err := s.Store.ListUploads(r.Context(), kind)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.UploadedPackage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleDeleteUpload handles DELETE /api/uploads/{id}.
func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid upload id")
		return
	}
	if err := s.Uploads.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleServers handles GET /api/servers.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListServers(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Server{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleInstallations handles GET /api/servers/{id}/installations.
func (s *Server) handleInstallations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetServer(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	list, err := s.Store.ListInstallations(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Installation{}
	}
	writeJSON(w, http.StatusOK, list)
}

type installationDetail struct {
	models.Installation
	Plugins []models.Package `json:"plugins"`
	Themes  []models.Package `json:"themes"`
	Busy    bool             `json:"busy"`
}

// handleInstallation handles GET /api/installations/{id}.
func (s *Server) handleInstallation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, err := s.Store.GetInstallation(ctx, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	detail := installationDetail{Installation: inst, Busy: s.Queue.IsLocked(inst.ID)}
	if detail.Plugins, err = s.Store.ListPackages(ctx, inst.ID, models.KindPlugin); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if detail.Themes, err = s.Store.ListPackages(ctx, inst.ID, models.KindTheme); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleScan handles POST /api/servers/{id}/scan. The scan runs in the
// background and reports through the event stream.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	server, err := s.Store.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.Scanner.IsScanning(server.ID) {
		writeJSONError(w, http.StatusConflict, scan.ErrScanInProgress.Error())
		return
	}
	go func() {
		if _, err := s.Scanner.RunServerScan(s.baseCtx, server); err != nil && !errors.Is(err, scan.ErrScanInProgress) {
			s.Logger.Warn("background scan failed", "server", server.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "serverId": server.ID})
}

// handleEvents handles GET /api/events as a server-sent event stream. An
// optional ?channel= limits the stream to one channel.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	channel := events.Channel(r.URL.Query().Get("channel"))

	ch, cancel := s.Events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if channel != "" && ev.Channel != channel {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.Logger.Warn("encode event failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Channel, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
