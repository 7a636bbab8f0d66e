// Package contextstore implements the Context Store (C2): durable,
// TTL-bounded conversation state keyed by session. A session owns
// exactly one Context, serialized to JSON and kept in the shared
// kvstore under the "context" namespace. Every save refreshes the
// idle TTL, so an active conversation never expires mid-use.
package contextstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brackwood/nexus/internal/kvstore"
)

const namespace = "context"

// DefaultTTL is the idle timeout after which an unsaved Context
// expires and load(session_id) starts returning an empty Context again.
const DefaultTTL = 24 * time.Hour

// Turn is one entry in a Context's append-only conversation log.
type Turn struct {
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionResult records the outcome of one executed Action.
type ActionResult struct {
	ActionID   string         `json:"action_id"`
	Status     string         `json:"status"` // ok, failed, cancelled
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Context is the full conversational state for one session.
type Context struct {
	Turns        []Turn                  `json:"turns"`
	Variables    map[string]string       `json:"variables"`
	Results      map[string]ActionResult `json:"results"`
	CreatedFiles map[string]struct{}     `json:"-"`

	// CreatedFilesList backs CreatedFiles across JSON round trips; Go
	// doesn't marshal map[string]struct{} as a set-shaped value cleanly.
	CreatedFilesList []string `json:"created_files"`
}

// NewContext returns an empty, ready-to-use Context.
func NewContext() *Context {
	return &Context{
		Turns:        nil,
		Variables:    make(map[string]string),
		Results:      make(map[string]ActionResult),
		CreatedFiles: make(map[string]struct{}),
	}
}

// AppendTurn appends a Turn stamped with the current time.
func (c *Context) AppendTurn(role, content string) {
	t := Turn{Role: role, Content: content, Timestamp: time.Now()}
	c.Turns = append(c.Turns, t)
}

// SetVariable sets a Context.Variables entry.
func (c *Context) SetVariable(name, value string) {
	if c.Variables == nil {
		c.Variables = make(map[string]string)
	}
	c.Variables[name] = value
}

// SetVariableJSON marshals value and stores it as a Context.Variables
// entry. Variables is a string map (it round-trips through the same
// placeholder substitution as scalar values), so structured outputs
// like last_query_results are stored JSON-encoded; GetVariableJSON
// reverses this.
func (c *Context) SetVariableJSON(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode variable %s: %w", name, err)
	}
	c.SetVariable(name, string(data))
	return nil
}

// GetVariableJSON decodes a Context.Variables entry previously stored
// with SetVariableJSON into out. It returns false if the variable is
// unset.
func (c *Context) GetVariableJSON(name string, out any) (bool, error) {
	raw, ok := c.Variables[name]
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode variable %s: %w", name, err)
	}
	return true, nil
}

// RecordResult stores an ActionResult under its action id.
func (c *Context) RecordResult(r ActionResult) {
	if c.Results == nil {
		c.Results = make(map[string]ActionResult)
	}
	c.Results[r.ActionID] = r
}

// AddCreatedFile records a path in the CreatedFiles set.
func (c *Context) AddCreatedFile(path string) {
	if c.CreatedFiles == nil {
		c.CreatedFiles = make(map[string]struct{})
	}
	c.CreatedFiles[path] = struct{}{}
}

// marshal serializes a Context to JSON, flattening CreatedFiles into
// CreatedFilesList for storage.
func (c *Context) marshal() ([]byte, error) {
	cp := *c
	cp.CreatedFilesList = make([]string, 0, len(c.CreatedFiles))
	for p := range c.CreatedFiles {
		cp.CreatedFilesList = append(cp.CreatedFilesList, p)
	}
	return json.Marshal(cp)
}

func unmarshalContext(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Variables == nil {
		c.Variables = make(map[string]string)
	}
	if c.Results == nil {
		c.Results = make(map[string]ActionResult)
	}
	c.CreatedFiles = make(map[string]struct{}, len(c.CreatedFilesList))
	for _, p := range c.CreatedFilesList {
		c.CreatedFiles[p] = struct{}{}
	}
	return &c, nil
}

// Archiver persists a session's raw Context JSON before Reset discards
// it, typically backed by timeline.Store.AppendContextArchive. A nil
// Archiver (the default) skips archiving; Reset still deletes.
// Implementations follow the same must-not-block contract as
// timeline.Publisher.
type Archiver func(sessionID string, snapshot []byte) error

// Store is the Context Store. It wraps a kvstore.Store namespaced
// under "context"; keys are session ids.
type Store struct {
	kv       *kvstore.Store
	ttl      time.Duration
	archiver Archiver
}

// SetArchiver installs the archive callback Reset uses before
// deleting a session's Context (spec §4.2: "a Context is archived to
// the Timeline Store on reset"). Safe to call before the store
// handles any traffic; not safe for concurrent use with Reset calls.
func (s *Store) SetArchiver(a Archiver) {
	s.archiver = a
}

// Open creates or opens a Context Store at the given database path.
func Open(dbPath string, ttl time.Duration) (*Store, error) {
	kv, err := kvstore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Load returns the Context for a session. A missing or expired key
// returns a fresh empty Context — this is not an error.
func (s *Store) Load(sessionID string) (*Context, error) {
	raw, ok, err := s.kv.Get(namespace, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", sessionID, err)
	}
	if !ok {
		return NewContext(), nil
	}
	c, err := unmarshalContext([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode context %s: %w", sessionID, err)
	}
	return c, nil
}

// Save persists a Context and refreshes its idle TTL.
func (s *Store) Save(sessionID string, c *Context) error {
	data, err := c.marshal()
	if err != nil {
		return fmt.Errorf("encode context %s: %w", sessionID, err)
	}
	if err := s.kv.Set(namespace, sessionID, string(data), s.ttl); err != nil {
		return fmt.Errorf("save context %s: %w", sessionID, err)
	}
	return nil
}

// Reset archives a session's Context (if an Archiver is set and a
// Context actually exists) and discards it. A subsequent Load returns
// an empty Context.
func (s *Store) Reset(sessionID string) error {
	if s.archiver != nil {
		raw, ok, err := s.kv.Get(namespace, sessionID)
		if err != nil {
			return fmt.Errorf("load context %s for archive: %w", sessionID, err)
		}
		if ok {
			if err := s.archiver(sessionID, []byte(raw)); err != nil {
				return fmt.Errorf("archive context %s: %w", sessionID, err)
			}
		}
	}
	if err := s.kv.Delete(namespace, sessionID); err != nil {
		return fmt.Errorf("reset context %s: %w", sessionID, err)
	}
	return nil
}

// Sweep removes expired Context entries and returns the count removed.
func (s *Store) Sweep() (int, error) {
	return s.kv.Sweep()
}

// SessionIDs lists every session with a live (unexpired) Context, for
// the dashboard's session list.
func (s *Store) SessionIDs() ([]string, error) {
	return s.kv.Keys(namespace)
}
