// Package action defines the closed set of Action kinds the Planner
// (C6) emits and the Orchestrator (C5) executes, plus the Plan/Action/
// Result shapes shared by both. Keeping these types in their own
// package (rather than in orchestrator or planner) avoids the import
// cycle that would otherwise appear: the Reference Resolver, the
// Planner, and the Orchestrator all need the same vocabulary.
package action

import "time"

// Kind is the closed set of Action kinds. Adding a new kind is a
// registry entry in orchestrator plus a row in the table below — see
// spec §9 "dynamic dispatch on action kind".
type Kind string

const (
	KindLLMGenerate    Kind = "llm_generate"
	KindImageGenerate  Kind = "image_generate"
	KindImageSave      Kind = "image_save"
	KindOCRCapture     Kind = "ocr_capture"
	KindDocumentQuery  Kind = "document_query"
	KindWebSearch      Kind = "web_search"
	KindFileCreate     Kind = "file_create"
	KindFileWrite      Kind = "file_write"
	KindFileRead       Kind = "file_read"
	KindFileMove       Kind = "file_move"
	KindFileDelete     Kind = "file_delete"
	KindCommandExecute Kind = "command_execute"
)

// needsApproval is the fixed set of Kinds that require explicit user
// approval before the Orchestrator executes them (spec §4.5).
var needsApproval = map[Kind]bool{
	KindFileCreate:     true,
	KindFileWrite:      true,
	KindFileMove:       true,
	KindFileDelete:     true,
	KindCommandExecute: true,
	KindImageSave:      true,
}

// NeedsApproval reports whether kind requires approval. This is always
// computed from the kind, never trusted from planner output (spec §4.6
// step 3: "needs_approval is computed by the Orchestrator, not trusted
// from the LLM").
func NeedsApproval(k Kind) bool {
	return needsApproval[k]
}

// Known reports whether k is a recognized action kind.
func Known(k Kind) bool {
	switch k {
	case KindLLMGenerate, KindImageGenerate, KindImageSave, KindOCRCapture,
		KindDocumentQuery, KindWebSearch, KindFileCreate, KindFileWrite,
		KindFileRead, KindFileMove, KindFileDelete, KindCommandExecute:
		return true
	default:
		return false
	}
}

// AllKinds lists every recognized Kind, in the order presented to the
// Planner's system prompt.
var AllKinds = []Kind{
	KindLLMGenerate, KindImageGenerate, KindImageSave, KindOCRCapture,
	KindDocumentQuery, KindWebSearch, KindFileCreate, KindFileWrite,
	KindFileRead, KindFileMove, KindFileDelete, KindCommandExecute,
}

// RequiredParams lists the parameter names a Kind's contract requires
// be present (after placeholder substitution, before dispatch). Optional
// parameters are omitted here; the Orchestrator's per-kind handler
// applies its own defaults for those.
var RequiredParams = map[Kind][]string{
	KindLLMGenerate:    {"prompt"},
	KindImageGenerate:  {"prompt"},
	KindImageSave:      {"src", "dest"},
	KindOCRCapture:     {}, // image_path, region, or window — validated by the handler
	KindDocumentQuery:  {"query"},
	KindWebSearch:      {"query"},
	KindFileCreate:     {"path"},
	KindFileWrite:      {"path", "content"},
	KindFileRead:       {"path"},
	KindFileMove:       {"src", "dest"},
	KindFileDelete:     {"path"},
	KindCommandExecute: {"command"},
}

// Status is the terminal state of an executed Action.
type Status string

const (
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Action is one atomic unit of work within a Plan. Parameters may
// contain placeholders of the form "{name}" or "{{name}}" resolved by
// the Orchestrator before dispatch (spec §4.5 step 1).
type Action struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Parameters    map[string]any `json:"parameters"`
	NeedsApproval bool           `json:"needs_approval"`
	DependsOn     []string       `json:"depends_on,omitempty"`
}

// Result is the outcome of one executed Action.
type Result struct {
	ActionID   string         `json:"action_id"`
	Status     Status         `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Plan is an ordered sequence of Actions plus a natural-language
// explanation of what the plan accomplishes (surfaced to the user as
// an assistant Turn on the PLANNING state transition).
type Plan struct {
	Explanation string   `json:"explanation"`
	Actions     []Action `json:"actions"`
}

// NeedsApproval reports whether any action in the plan requires
// approval. Approval is atomic (all-or-none, spec §4.8).
func (p Plan) NeedsApproval() bool {
	for _, a := range p.Actions {
		if a.NeedsApproval {
			return true
		}
	}
	return false
}

// ActionByID finds an action in the plan by id.
func (p Plan) ActionByID(id string) (Action, bool) {
	for _, a := range p.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// DependentsOf returns the ids of actions (transitively) depending on
// id, used by the Orchestrator to halt the right actions on failure.
func (p Plan) DependentsOf(id string) map[string]bool {
	deps := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, a := range p.Actions {
			if deps[a.ID] {
				continue
			}
			for _, d := range a.DependsOn {
				if d == id || deps[d] {
					deps[a.ID] = true
					changed = true
					break
				}
			}
		}
	}
	return deps
}
