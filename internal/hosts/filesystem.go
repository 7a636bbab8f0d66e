package hosts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/errs"
)

// fsSkipDirs lists directory names pruned from Search traversal,
// adapting the agent's tools.skipDirs denylist.
var fsSkipDirs = map[string]bool{
	".git": true, "node_modules": true, ".venv": true, "venv": true,
	"vendor": true, "__pycache__": true, ".cache": true,
}

const (
	fsDefaultMaxVisited = 50_000
	fsDefaultReadBytes  = 64 * 1024
	fsSearchSnippetLen  = 160
)

// FileSearchResult is one system.file.search hit: document_query merges
// a list of these into Context.Variables.last_query_results, and the
// Reference Resolver's "document N" resolution reads result.path.
type FileSearchResult struct {
	Path    string `json:"path"`
	Snippet string `json:"snippet,omitempty"`
	Matches int    `json:"matches"`
}

// SearchRequest is the system.file.search payload.
type SearchRequest struct {
	Query string `json:"query"`
	Dir   string `json:"dir,omitempty"`
	K     int    `json:"k,omitempty"`
}

// SearchReply is the system.file.search response.
type SearchReply struct {
	Results []FileSearchResult `json:"results"`
}

// ReadRequest is the system.file.read payload.
type ReadRequest struct {
	Path     string `json:"path"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

// ReadReply is the system.file.read response.
type ReadReply struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// WriteRequest is the system.file.write payload. Mode "w" overwrites,
// "a" appends, matching action.Kind file_write's contract (spec §4.5).
type WriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

// CreateRequest is the system.file.create payload.
type CreateRequest struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// PathReply is the common response shape for write/create/move/delete.
type PathReply struct {
	Path string `json:"path"`
}

// MoveRequest is the system.file.move payload.
type MoveRequest struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// DeleteRequest is the system.file.delete payload.
type DeleteRequest struct {
	Path string `json:"path"`
}

// FilesystemHost exposes system.file.* over the bus: search, read,
// write, create, move, delete. Paths arriving here are already
// absolute — the Orchestrator applies §6 path expansion before
// dispatch — so the host only re-validates that a path isn't empty.
// Destructive operations (write, create, move, delete) are gated by
// the Conversation Engine's approval flow upstream; this host trusts
// that a request reaching it has already been approved (spec §4.4:
// "Destructive ops require the caller to have already obtained user
// approval").
type FilesystemHost struct {
	b          *bus.Bus
	searchRoot string
	maxVisited int
	logger     *slog.Logger

	mu    sync.RWMutex
	ready bool
}

// NewFilesystemHost registers system.file.{search,read,write,create,
// move,delete} handlers. searchRoot anchors relative document_query
// searches (typically the workspace directory, spec §4.5 table).
func NewFilesystemHost(b *bus.Bus, searchRoot string, log *slog.Logger) (*FilesystemHost, func(), error) {
	h := &FilesystemHost{b: b, searchRoot: searchRoot, maxVisited: fsDefaultMaxVisited, logger: logger(log, "filesystem"), ready: true}

	cancelSearch, err := handle(b, "system.file.search", h.handleSearch)
	if err != nil {
		return nil, nil, fmt.Errorf("register system.file.search: %w", err)
	}
	cancelRead, err := handle(b, "system.file.read", h.handleRead)
	if err != nil {
		cancelSearch()
		return nil, nil, fmt.Errorf("register system.file.read: %w", err)
	}
	cancelWrite, err := handle(b, "system.file.write", h.handleWrite)
	if err != nil {
		cancelSearch()
		cancelRead()
		return nil, nil, fmt.Errorf("register system.file.write: %w", err)
	}
	cancelCreate, err := handle(b, "system.file.create", h.handleCreate)
	if err != nil {
		cancelSearch()
		cancelRead()
		cancelWrite()
		return nil, nil, fmt.Errorf("register system.file.create: %w", err)
	}
	cancelMove, err := handle(b, "system.file.move", h.handleMove)
	if err != nil {
		cancelSearch()
		cancelRead()
		cancelWrite()
		cancelCreate()
		return nil, nil, fmt.Errorf("register system.file.move: %w", err)
	}
	cancelDelete, err := handle(b, "system.file.delete", h.handleDelete)
	if err != nil {
		cancelSearch()
		cancelRead()
		cancelWrite()
		cancelCreate()
		cancelMove()
		return nil, nil, fmt.Errorf("register system.file.delete: %w", err)
	}

	return h, func() {
		cancelSearch()
		cancelRead()
		cancelWrite()
		cancelCreate()
		cancelMove()
		cancelDelete()
	}, nil
}

func (h *FilesystemHost) handleSearch(ctx context.Context, req SearchRequest) (SearchReply, error) {
	if req.Query == "" {
		return SearchReply{}, errs.New(errs.InvalidInput, "query is required")
	}
	root := req.Dir
	if root == "" {
		root = h.searchRoot
	}
	if root == "" {
		root = "."
	}
	k := req.K
	if k <= 0 {
		k = 5
	}

	needle := strings.ToLower(req.Query)
	var hits []FileSearchResult
	visited := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the whole walk
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if fsSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		visited++
		if visited > h.maxVisited {
			return fmt.Errorf("search: exceeded max visited entries (%d)", h.maxVisited)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		lower := strings.ToLower(string(data))
		count := strings.Count(lower, needle)
		if count == 0 && !strings.Contains(strings.ToLower(filepath.Base(path)), needle) {
			return nil
		}
		if count == 0 {
			count = 1 // filename-only match
		}
		hits = append(hits, FileSearchResult{Path: path, Snippet: snippetAround(string(data), lower, needle), Matches: count})
		return nil
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("search walk error", "root", root, "error", err)
	}
	if ctx.Err() != nil {
		return SearchReply{}, errs.Wrap(errs.Cancelled, ctx.Err(), "search cancelled")
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Matches > hits[j].Matches })
	if len(hits) > k {
		hits = hits[:k]
	}
	return SearchReply{Results: hits}, nil
}

func snippetAround(content, lowerContent, needle string) string {
	idx := strings.Index(lowerContent, needle)
	if idx < 0 {
		if len(content) > fsSearchSnippetLen {
			return content[:fsSearchSnippetLen]
		}
		return content
	}
	start := idx - fsSearchSnippetLen/2
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + fsSearchSnippetLen/2
	if end > len(content) {
		end = len(content)
	}
	return strings.TrimSpace(content[start:end])
}

func (h *FilesystemHost) handleRead(ctx context.Context, req ReadRequest) (ReadReply, error) {
	if req.Path == "" {
		return ReadReply{}, errs.New(errs.InvalidInput, "path is required")
	}
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = fsDefaultReadBytes
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return ReadReply{}, errs.Wrap(errs.BackendError, err, fmt.Sprintf("read %s", req.Path))
	}
	defer f.Close()

	buf := make([]byte, maxBytes+1)
	n, err := io.ReadFull(bufio.NewReader(f), buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return ReadReply{}, errs.Wrap(errs.BackendError, err, fmt.Sprintf("read %s", req.Path))
	}
	truncated := n > maxBytes
	if truncated {
		n = maxBytes
	}
	return ReadReply{Content: string(buf[:n]), Truncated: truncated}, nil
}

func (h *FilesystemHost) handleWrite(ctx context.Context, req WriteRequest) (PathReply, error) {
	if req.Path == "" {
		return PathReply{}, errs.New(errs.InvalidInput, "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return PathReply{}, errs.Wrap(errs.BackendError, err, "create parent directory")
	}

	flags := os.O_WRONLY | os.O_CREATE
	switch req.Mode {
	case "a":
		flags |= os.O_APPEND
	default:
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(req.Path, flags, 0o644)
	if err != nil {
		return PathReply{}, errs.Wrap(errs.BackendError, err, fmt.Sprintf("open %s for write", req.Path))
	}
	defer f.Close()

	if _, err := f.WriteString(req.Content); err != nil {
		return PathReply{}, errs.Wrap(errs.BackendError, err, fmt.Sprintf("write %s", req.Path))
	}
	return PathReply{Path: req.Path}, nil
}

func (h *FilesystemHost) handleCreate(ctx context.Context, req CreateRequest) (PathReply, error) {
	if req.Path == "" {
		return PathReply{}, errs.New(errs.InvalidInput, "path is required")
	}
	if _, err := os.Stat(req.Path); err == nil {
		return PathReply{}, errs.New(errs.InvalidInput, "file already exists: %s", req.Path)
	}
	return h.handleWrite(ctx, WriteRequest{Path: req.Path, Content: req.Content, Mode: "w"})
}

func (h *FilesystemHost) handleMove(ctx context.Context, req MoveRequest) (PathReply, error) {
	if req.Src == "" || req.Dest == "" {
		return PathReply{}, errs.New(errs.InvalidInput, "src and dest are required")
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return PathReply{}, errs.Wrap(errs.BackendError, err, "create destination directory")
	}
	if err := os.Rename(req.Src, req.Dest); err != nil {
		if copyErr := crossDeviceMove(req.Src, req.Dest); copyErr != nil {
			return PathReply{}, errs.Wrap(errs.BackendError, err, fmt.Sprintf("move %s to %s", req.Src, req.Dest))
		}
	}
	return PathReply{Path: req.Dest}, nil
}

// crossDeviceMove falls back to copy-then-remove when os.Rename fails
// across filesystem boundaries (EXDEV), the same fallback os/exec "mv"
// performs under the hood.
func crossDeviceMove(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, info.Mode()); err != nil {
		return err
	}
	return os.Remove(src)
}

func (h *FilesystemHost) handleDelete(ctx context.Context, req DeleteRequest) (PathReply, error) {
	if req.Path == "" {
		return PathReply{}, errs.New(errs.InvalidInput, "path is required")
	}
	if err := os.RemoveAll(req.Path); err != nil {
		return PathReply{}, errs.Wrap(errs.BackendError, err, fmt.Sprintf("delete %s", req.Path))
	}
	return PathReply{Path: req.Path}, nil
}

// Info reports the host's readiness. The filesystem host has no
// external backend to be unready against; Ready is always true once
// constructed.
func (h *FilesystemHost) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{Name: "filesystem", Ready: h.ready}
}

// Reload is a no-op: the filesystem host has no swappable backend.
func (h *FilesystemHost) Reload(ctx context.Context, payload json.RawMessage) error {
	return nil
}
