package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/brackwood/nexus/internal/embeddings"
	"github.com/brackwood/nexus/internal/errs"
)

func paramString(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func requireString(params map[string]any, key string) (string, error) {
	v := paramString(params, key)
	if v == "" {
		return "", errs.New(errs.InvalidInput, "parameter %q is required", key)
	}
	return v, nil
}

func (o *Orchestrator) runLLMGenerate(ctx context.Context, params map[string]any) (map[string]any, error) {
	prompt, err := requireString(params, "prompt")
	if err != nil {
		return nil, err
	}
	mode := paramString(params, "mode")
	if mode == "" {
		mode = "chat"
	}
	req := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"mode":     mode,
	}
	raw, err := o.bus.Request(ctx, "ai.llm.request", req, RequestTimeout)
	if err != nil {
		return nil, busErr(err)
	}
	var reply struct {
		Content string `json:"content"`
		Text    string `json:"text"`
		Model   string `json:"model"`
		Tokens  int    `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "decode ai.llm.request reply")
	}
	text := reply.Content
	if text == "" {
		text = reply.Text
	}
	return map[string]any{"text": text, "model": reply.Model}, nil
}

func (o *Orchestrator) runImageGenerate(ctx context.Context, params map[string]any) (map[string]any, error) {
	prompt, err := requireString(params, "prompt")
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"prompt": prompt,
		"width":  paramInt(params, "width", 1024),
		"height": paramInt(params, "height", 1024),
		"steps":  paramInt(params, "steps", 0),
	}
	if model := paramString(params, "model"); model != "" {
		req["model"] = model
	}

	chunks, err := o.bus.Stream(ctx, "ai.vision.imagegen.request", req, StreamIdleTimeout)
	if err != nil {
		return nil, busErr(err)
	}

	var path string
	var genErr string
	for chunk := range chunks {
		var progress struct {
			ImagePath string `json:"image_path"`
			Error     string `json:"error"`
		}
		_ = json.Unmarshal(chunk.Data, &progress)
		if progress.ImagePath != "" {
			path = progress.ImagePath
		}
		if progress.Error != "" {
			genErr = progress.Error
		}
	}

	if ctx.Err() != nil {
		return nil, errs.Wrap(errs.Cancelled, ctx.Err(), "image generation cancelled")
	}
	if genErr != "" {
		return nil, errs.New(errs.BackendError, "image generation failed: %s", genErr)
	}
	if path == "" {
		return nil, errs.New(errs.BackendError, "image generation produced no path")
	}
	return map[string]any{"path": path}, nil
}

// runImageSave is a local file copy, not a bus dispatch (spec §4.5
// table: "(local file copy)"). Paths are expanded per §6 before use and
// the destination directory is created if missing.
func (o *Orchestrator) runImageSave(ctx context.Context, params map[string]any) (map[string]any, error) {
	src, err := requireString(params, "src")
	if err != nil {
		return nil, err
	}
	dest, err := requireString(params, "dest")
	if err != nil {
		return nil, err
	}
	workingDir := paramString(params, "working_directory")
	src = o.expander.Expand(src, workingDir)
	dest = o.expander.Expand(dest, workingDir)

	if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
		dest = filepath.Join(dest, filepath.Base(src))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "create destination directory")
	}

	if err := copyFile(ctx, src, dest); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "copy image")
	}
	return map[string]any{"path": dest}, nil
}

func copyFile(ctx context.Context, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if ctx.Err() != nil {
		os.Remove(dest)
		return ctx.Err()
	}
	return out.Sync()
}

func (o *Orchestrator) runOCRCapture(ctx context.Context, params map[string]any) (map[string]any, error) {
	req := map[string]any{}
	if p := paramString(params, "image_path"); p != "" {
		req["image_path"] = p
	} else if r := paramString(params, "region"); r != "" {
		req["region"] = r
	} else if w := paramString(params, "window"); w != "" {
		req["window"] = w
	} else {
		return nil, errs.New(errs.InvalidInput, "ocr_capture requires image_path, region, or window")
	}

	raw, err := o.bus.Request(ctx, "ai.vision.ocr.request", req, RequestTimeout)
	if err != nil {
		return nil, busErr(err)
	}
	var reply struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "decode ai.vision.ocr.request reply")
	}
	return map[string]any{"text": reply.Text}, nil
}

// runDocumentQuery widens the Filesystem host's lexical search with a
// semantic re-rank: every candidate snippet and the query itself are
// embedded via ai.llm.embed, then reordered by cosine similarity
// (internal/embeddings) rather than trusted in file-search order. A
// failure to embed degrades to the lexical ordering instead of failing
// the action outright, since the snippets are still usable unranked.
func (o *Orchestrator) runDocumentQuery(ctx context.Context, params map[string]any) (map[string]any, error) {
	query, err := requireString(params, "query")
	if err != nil {
		return nil, err
	}
	k := paramInt(params, "k", 5)
	raw, err := o.bus.Request(ctx, "system.file.search", map[string]any{"query": query, "k": k}, RequestTimeout)
	if err != nil {
		return nil, busErr(err)
	}
	var reply struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "decode system.file.search reply")
	}

	ranked, err := o.rerankBySimilarity(ctx, query, reply.Results)
	if err != nil {
		o.logger.Debug("document_query semantic re-rank skipped", "error", err)
		return map[string]any{"results": reply.Results, "query": query}, nil
	}
	return map[string]any{"results": ranked, "query": query}, nil
}

// rerankBySimilarity embeds query and each result's "snippet" field,
// then returns results ordered by descending cosine similarity to the
// query embedding.
func (o *Orchestrator) rerankBySimilarity(ctx context.Context, query string, results []map[string]any) ([]map[string]any, error) {
	if len(results) == 0 {
		return results, nil
	}

	queryVec, err := o.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(results))
	for i, r := range results {
		snippet, _ := r["snippet"].(string)
		if snippet == "" {
			if path, ok := r["path"].(string); ok {
				snippet = path
			}
		}
		vec, err := o.embed(ctx, snippet)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}

	order := embeddings.TopK(queryVec, vectors, len(results))
	ranked := make([]map[string]any, 0, len(order))
	for _, idx := range order {
		ranked = append(ranked, results[idx])
	}
	return ranked, nil
}

func (o *Orchestrator) embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := o.bus.Request(ctx, "ai.llm.embed", map[string]any{"text": text}, RequestTimeout)
	if err != nil {
		return nil, busErr(err)
	}
	var reply struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "decode ai.llm.embed reply")
	}
	return reply.Embedding, nil
}

func (o *Orchestrator) runWebSearch(ctx context.Context, params map[string]any) (map[string]any, error) {
	query, err := requireString(params, "query")
	if err != nil {
		return nil, err
	}
	if o.search == nil {
		return nil, errs.New(errs.BackendError, "no web search provider configured")
	}
	k := paramInt(params, "k", 5)
	results, err := o.search.Search(ctx, query, k)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "web search")
	}
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
	}
	return map[string]any{"results": out, "query": query}, nil
}

func (o *Orchestrator) expandPathParam(params map[string]any, key string) string {
	p := paramString(params, key)
	if p == "" {
		return ""
	}
	return o.expander.Expand(p, paramString(params, "working_directory"))
}

func (o *Orchestrator) runFileCreate(ctx context.Context, params map[string]any) (map[string]any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	path = o.expander.Expand(path, paramString(params, "working_directory"))
	req := map[string]any{"path": path, "content": paramString(params, "content")}
	raw, err := o.bus.Request(ctx, "system.file.create", req, RequestTimeout)
	if err != nil {
		return nil, busErr(err)
	}
	var reply struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Path == "" {
		reply.Path = path
	}
	return map[string]any{"path": reply.Path}, nil
}

func (o *Orchestrator) runFileWrite(ctx context.Context, params map[string]any) (map[string]any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(params, "content")
	if err != nil {
		return nil, err
	}
	path = o.expander.Expand(path, paramString(params, "working_directory"))
	mode := paramString(params, "mode")
	if mode == "" {
		mode = "w"
	}
	req := map[string]any{"path": path, "content": content, "mode": mode}
	if _, err := o.bus.Request(ctx, "system.file.write", req, RequestTimeout); err != nil {
		return nil, busErr(err)
	}
	return map[string]any{"path": path}, nil
}

func (o *Orchestrator) runFileRead(ctx context.Context, params map[string]any) (map[string]any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	path = o.expander.Expand(path, paramString(params, "working_directory"))
	req := map[string]any{"path": path}
	if mb := paramInt(params, "max_bytes", 0); mb > 0 {
		req["max_bytes"] = mb
	}
	raw, err := o.bus.Request(ctx, "system.file.read", req, RequestTimeout)
	if err != nil {
		return nil, busErr(err)
	}
	var reply struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "decode system.file.read reply")
	}
	return map[string]any{"content": reply.Content}, nil
}

func (o *Orchestrator) runFileMove(ctx context.Context, params map[string]any) (map[string]any, error) {
	src, err := requireString(params, "src")
	if err != nil {
		return nil, err
	}
	dest, err := requireString(params, "dest")
	if err != nil {
		return nil, err
	}
	workingDir := paramString(params, "working_directory")
	src = o.expander.Expand(src, workingDir)
	dest = o.expander.Expand(dest, workingDir)
	req := map[string]any{"src": src, "dest": dest}
	if _, err := o.bus.Request(ctx, "system.file.move", req, RequestTimeout); err != nil {
		return nil, busErr(err)
	}
	return map[string]any{"path": dest}, nil
}

func (o *Orchestrator) runCommandExecute(ctx context.Context, params map[string]any) (map[string]any, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}
	cwd := o.expandPathParam(params, "cwd")
	timeout := time.Duration(paramInt(params, "timeout_s", 0)) * time.Second

	result, err := o.shell.Run(ctx, command, cwd, timeout, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}, nil
}

func (o *Orchestrator) runFileDelete(ctx context.Context, params map[string]any) (map[string]any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	path = o.expander.Expand(path, paramString(params, "working_directory"))
	if _, err := o.bus.Request(ctx, "system.file.delete", map[string]any{"path": path}, RequestTimeout); err != nil {
		return nil, busErr(err)
	}
	return map[string]any{"path": path}, nil
}

// busErr translates the bus package's sentinel errors into the
// errs.Kind taxonomy so callers upstream (Conversation Engine) see a
// consistent error shape regardless of which layer failed.
func busErr(err error) error {
	switch err {
	case nil:
		return nil
	default:
		switch {
		case isBusTimeout(err):
			return errs.Wrap(errs.Timeout, err, "")
		case isBusNoResponders(err):
			return errs.Wrap(errs.NoResponders, err, "")
		case isBusDisconnected(err):
			return errs.Wrap(errs.Disconnected, err, "")
		default:
			return errs.Wrap(errs.BackendError, err, "")
		}
	}
}
