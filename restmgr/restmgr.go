// Package restmgr implements the stateless REST control plane: health,
// session CRUD, configuration introspection, tool availability rechecks,
// working-directory management, tunnel status, and a sandboxed file
// browser. Every route but /auth-status and /auth-verify sits behind the
// shared bearer-token middleware.
package restmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/claude-code-web/agentmux/auth"
	"github.com/claude-code-web/agentmux/pathguard"
	"github.com/claude-code-web/agentmux/pty"
	"github.com/claude-code-web/agentmux/session"
)

// Tunnel reports the dev-tunnel's external status. The tunnel spawner
// itself is a thin external collaborator (out of scope here); Manager
// only needs to read and trigger it.
type Tunnel interface {
	Status() TunnelStatus
	Restart() error
}

// TunnelStatus is the JSON shape returned by /api/tunnel/status.
type TunnelStatus struct {
	Enabled         bool   `json:"enabled"`
	URL             string `json:"url,omitempty"`
	AllowAnonymous  bool   `json:"allowAnonymous"`
}

// noopTunnel reports disabled when no tunnel was configured.
type noopTunnel struct{}

func (noopTunnel) Status() TunnelStatus { return TunnelStatus{} }
func (noopTunnel) Restart() error       { return errors.New("tunnel not configured") }

// Manager serves the REST control plane.
type Manager struct {
	reg     *session.Registry
	authMgr *auth.Manager
	tools   *pty.Registry
	resolver *pty.Resolver
	guard   *pathguard.Guard
	tunnel  Tunnel
	hostname string
	aliases map[pty.AgentKind]string
	tempImagesDir string
}

// Config carries the dependencies and static metadata Manager needs.
type Config struct {
	Registry *session.Registry
	Auth     *auth.Manager
	Tools    *pty.Registry
	Resolver *pty.Resolver
	Guard    *pathguard.Guard
	Tunnel   Tunnel
	Hostname string
	Aliases  map[pty.AgentKind]string

	// TempImagesDir holds uploaded image and voice attachments. Image
	// uploads are left pending the registry's 24h sweep (§4.4); voice
	// recordings are not tracked by the sweep. Defaults to a directory
	// under os.TempDir() when empty.
	TempImagesDir string
}

// New constructs a Manager from cfg. A nil Tunnel is replaced with a
// disabled stub.
func New(cfg Config) *Manager {
	t := cfg.Tunnel
	if t == nil {
		t = noopTunnel{}
	}
	dir := cfg.TempImagesDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "agentmux-images")
	}
	return &Manager{
		reg:      cfg.Registry,
		authMgr:  cfg.Auth,
		tools:    cfg.Tools,
		resolver: cfg.Resolver,
		guard:    cfg.Guard,
		tunnel:   t,
		hostname: cfg.Hostname,
		aliases:  cfg.Aliases,
		tempImagesDir: dir,
	}
}

// ensureTempImagesDir idempotently creates dir and, the first time it's
// created, a `.gitignore` containing `*` so an operator who happens to
// point this at a path inside a git worktree never accidentally commits
// uploaded attachments.
func ensureTempImagesDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*\n"), 0644)
}

// Register attaches every route this package owns to mux.
func (m *Manager) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth-status", m.handleAuthStatus)
	mux.HandleFunc("POST /auth-verify", m.handleAuthVerify)

	auth := m.authMgr.Middleware

	mux.Handle("GET /api/health", auth(http.HandlerFunc(m.handleHealth)))
	mux.Handle("GET /api/config", auth(http.HandlerFunc(m.handleGetConfig)))

	mux.Handle("GET /api/sessions", auth(http.HandlerFunc(m.handleListSessions)))
	mux.Handle("POST /api/sessions", auth(http.HandlerFunc(m.handleCreateSession)))
	mux.Handle("GET /api/sessions/{id}", auth(http.HandlerFunc(m.handleGetSession)))
	mux.Handle("PATCH /api/sessions/{id}", auth(http.HandlerFunc(m.handlePatchSession)))
	mux.Handle("DELETE /api/sessions/{id}", auth(http.HandlerFunc(m.handleDeleteSession)))

	mux.Handle("POST /api/tools/{id}/recheck", auth(http.HandlerFunc(m.handleToolRecheck)))

	mux.Handle("POST /api/sessions/{id}/images", auth(http.HandlerFunc(m.handleUploadImage)))
	mux.Handle("POST /api/sessions/{id}/voice", auth(http.HandlerFunc(m.handleUploadVoice)))

	mux.Handle("GET /api/folders", auth(http.HandlerFunc(m.handleListFolders)))
	mux.Handle("POST /api/folders", auth(http.HandlerFunc(m.handleCreateFolder)))
	mux.Handle("POST /api/set-working-dir", auth(http.HandlerFunc(m.handleSetWorkingDir)))

	mux.Handle("GET /api/tunnel/status", auth(http.HandlerFunc(m.handleTunnelStatus)))
	mux.Handle("POST /api/tunnel/restart", auth(http.HandlerFunc(m.handleTunnelRestart)))

	mux.Handle("GET /api/files/list", auth(http.HandlerFunc(m.handleFilesList)))
	mux.Handle("GET /api/files/stat", auth(http.HandlerFunc(m.handleFilesStat)))
	mux.Handle("GET /api/files/content", auth(http.HandlerFunc(m.handleFilesContent)))
	mux.Handle("GET /api/files/download", auth(http.HandlerFunc(m.handleFilesDownload)))
	mux.Handle("POST /api/files/upload", auth(http.HandlerFunc(m.handleFilesUpload)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleAuthStatus never requires a token: it tells the client whether
// one is needed and whether 2FA is available, so the login UI can decide
// which form to show.
func (m *Manager) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authRequired": !m.authMgr.Disabled(),
		"has2FA":       m.authMgr.Has2FA(),
	})
}

type verifyRequest struct {
	Password string `json:"password"`
	TOTPCode string `json:"totpCode"`
}

func (m *Manager) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if err := m.authMgr.VerifyCredentials(req.Password, req.TOTPCode); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := m.authMgr.IssueToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (m *Manager) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	toolStatus := make(map[string]bool)
	for _, kind := range []pty.AgentKind{pty.AgentClaude, pty.AgentCodex, pty.AgentCopilot, pty.AgentGemini, pty.AgentTerminal} {
		tool, ok := m.tools.Lookup(kind)
		if !ok {
			continue
		}
		_, err := m.resolver.Resolve(tool)
		toolStatus[string(kind)] = err == nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hostname": m.hostname,
		"root":     m.guard.Root(),
		"tools":    toolStatus,
		"aliases":  m.aliases,
		"tunnel":   m.tunnel.Status(),
	})
}

func (m *Manager) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.reg.List())
}

type createSessionRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

func (m *Manager) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	s, err := m.reg.Create(req.Name, req.WorkingDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (m *Manager) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := m.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

type patchSessionRequest struct {
	Name     *string `json:"name,omitempty"`
	Priority *string `json:"priority,omitempty"`
}

func (m *Manager) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.Name != nil {
		if err := m.reg.Rename(id, *req.Name); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	if req.Priority != nil {
		if err := m.reg.SetPriority(id, session.Priority(*req.Priority)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	s, err := m.reg.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (m *Manager) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := m.reg.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) handleToolRecheck(w http.ResponseWriter, r *http.Request) {
	kind := pty.AgentKind(r.PathValue("id"))
	tool, ok := m.tools.Lookup(kind)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}
	m.resolver.Invalidate(tool)
	path, err := m.resolver.Resolve(tool)
	writeJSON(w, http.StatusOK, map[string]any{
		"available": err == nil,
		"path":      path,
	})
}

// maxAttachmentBytes bounds a single image/voice upload.
const maxAttachmentBytes = 16 * 1024 * 1024

// saveAttachment reads the "file" field of a multipart upload into a
// uniquely named file under m.tempImagesDir and returns its path and size.
func (m *Manager) saveAttachment(r *http.Request, w http.ResponseWriter) (path string, size int64, err error) {
	if err := ensureTempImagesDir(m.tempImagesDir); err != nil {
		return "", 0, err
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		return "", 0, fmt.Errorf("upload too large or malformed")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", 0, fmt.Errorf("missing file field")
	}
	defer file.Close()

	name := uuid.New().String() + filepath.Ext(header.Filename)
	dest := filepath.Join(m.tempImagesDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, file)
	if err != nil {
		return "", 0, err
	}
	return dest, n, nil
}

// handleUploadImage accepts a multipart image attachment for a session,
// enforcing the 5/min rate limit (§4.4) and recording it in the session's
// tempImages list for the registry's 24h sweep.
func (m *Manager) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := m.reg.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	path, size, err := m.saveAttachment(r, w)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	img := session.TempImage{Path: path, Size: size, CreatedAt: time.Now()}
	if err := m.reg.RecordImageUpload(sessionID, img); err != nil {
		os.Remove(path)
		if errors.Is(err, session.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "too many image uploads, try again shortly")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"path": path, "size": size})
}

// handleUploadVoice accepts a multipart voice-note attachment, enforcing
// the 10/min rate limit (§4.4). Transcription is an external collaborator
// (§1 Non-goals / out-of-scope); this endpoint only stores the recording
// and makes it available at the returned path.
func (m *Manager) handleUploadVoice(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := m.reg.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := m.reg.RecordVoiceUpload(sessionID); err != nil {
		if errors.Is(err, session.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "too many voice uploads, try again shortly")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	path, size, err := m.saveAttachment(r, w)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"path": path, "size": size})
}

type folderEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

func (m *Manager) handleListFolders(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = m.guard.Root()
	}
	result := m.guard.Validate(dir)
	if !result.Valid {
		writeError(w, http.StatusForbidden, result.Reason)
		return
	}
	entries, err := os.ReadDir(result.Resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	out := make([]folderEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, folderEntry{
			Name:  e.Name(),
			Path:  filepath.Join(result.Resolved, e.Name()),
			IsDir: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

type createFolderRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func (m *Manager) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	target := m.guard.Validate(filepath.Join(req.Path, req.Name))
	if !target.Valid {
		writeError(w, http.StatusForbidden, target.Reason)
		return
	}
	if err := os.Mkdir(filepath.Join(req.Path, req.Name), 0755); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": target.Resolved})
}

type setWorkingDirRequest struct {
	SessionID  string `json:"sessionId"`
	WorkingDir string `json:"workingDir"`
}

func (m *Manager) handleSetWorkingDir(w http.ResponseWriter, r *http.Request) {
	var req setWorkingDirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	result := m.guard.Validate(req.WorkingDir)
	if !result.Valid {
		writeError(w, http.StatusForbidden, result.Reason)
		return
	}
	if err := m.reg.SetWorkingDir(req.SessionID, result.Resolved); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s, err := m.reg.Get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (m *Manager) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.tunnel.Status())
}

func (m *Manager) handleTunnelRestart(w http.ResponseWriter, r *http.Request) {
	if err := m.tunnel.Restart(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m.tunnel.Status())
}

func (m *Manager) resolveBrowsePath(r *http.Request) (pathguard.Result, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		p = m.guard.Root()
	}
	result := m.guard.Validate(p)
	return result, result.Valid
}

type fileEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"isDir"`
	Size    int64  `json:"size"`
	ModTime string `json:"modTime"`
}

func (m *Manager) handleFilesList(w http.ResponseWriter, r *http.Request) {
	result, ok := m.resolveBrowsePath(r)
	if !ok {
		writeError(w, http.StatusForbidden, result.Reason)
		return
	}
	entries, err := os.ReadDir(result.Resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{
			Name:    e.Name(),
			Path:    filepath.Join(result.Resolved, e.Name()),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (m *Manager) handleFilesStat(w http.ResponseWriter, r *http.Request) {
	result, ok := m.resolveBrowsePath(r)
	if !ok {
		writeError(w, http.StatusForbidden, result.Reason)
		return
	}
	info, err := os.Stat(result.Resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fileEntry{
		Name:    info.Name(),
		Path:    result.Resolved,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// maxInlineContentBytes caps /api/files/content so the handler never
// streams an arbitrarily large file inline; callers past this size should
// use /api/files/download instead.
const maxInlineContentBytes = 4 * 1024 * 1024

func (m *Manager) handleFilesContent(w http.ResponseWriter, r *http.Request) {
	result, ok := m.resolveBrowsePath(r)
	if !ok {
		writeError(w, http.StatusForbidden, result.Reason)
		return
	}
	info, err := os.Stat(result.Resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is a directory")
		return
	}
	if info.Size() > maxInlineContentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large for inline content, use download")
		return
	}
	data, err := os.ReadFile(result.Resolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": string(data)})
}

func (m *Manager) handleFilesDownload(w http.ResponseWriter, r *http.Request) {
	result, ok := m.resolveBrowsePath(r)
	if !ok {
		writeError(w, http.StatusForbidden, result.Reason)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(result.Resolved)+"\"")
	http.ServeFile(w, r, result.Resolved)
}

// maxUploadBytes bounds a single multipart upload.
const maxUploadBytes = 32 * 1024 * 1024

func (m *Manager) handleFilesUpload(w http.ResponseWriter, r *http.Request) {
	destDir := r.URL.Query().Get("path")
	if destDir == "" {
		destDir = m.guard.Root()
	}
	destResult := m.guard.Validate(destDir)
	if !destResult.Valid {
		writeError(w, http.StatusForbidden, destResult.Reason)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "upload too large or malformed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	targetPath := filepath.Join(destResult.Resolved, filepath.Base(header.Filename))
	targetResult := m.guard.Validate(targetPath)
	if !targetResult.Valid {
		writeError(w, http.StatusForbidden, targetResult.Reason)
		return
	}

	out, err := os.Create(targetPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer out.Close()

	n, err := io.Copy(out, file)
	if err != nil {
		log.Printf("[RESTMGR] upload write failed: %v", err)
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"path": targetPath,
		"size": n,
	})
}
