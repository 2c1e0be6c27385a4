package models

// TodoSeverity ranks a checklist item.
type TodoSeverity string

const (
	TodoRequired    TodoSeverity = "required"
	TodoRecommended TodoSeverity = "recommended"
)

// TodoStatus is the resolution state of a checklist item.
type TodoStatus string

const (
	TodoOpen      TodoStatus = "open"
	TodoSatisfied TodoStatus = "satisfied"
	TodoBlocked   TodoStatus = "blocked"
)

// TodoOwner names who can resolve a checklist item.
type TodoOwner string

const (
	TodoOwnerUser     TodoOwner = "user"
	TodoOwnerOperator TodoOwner = "operator"
)

// EvidenceRefs anchors a todo to the session state it was derived from.
type EvidenceRefs struct {
	SessionID          string             `json:"session_id"`
	ProvisioningSource ProvisioningSource `json:"provisioning_source"`
	VerificationLevel  string             `json:"verification_level"`
	ModuleState        string             `json:"module_state"`
	ControlState       RuntimeState       `json:"control_state"`
}

// GatewayTodo is a derived checklist item; its status is a pure function of
// the session and onboarding snapshots, never stored.
type GatewayTodo struct {
	TodoID       string       `json:"todo_id"`
	Severity     TodoSeverity `json:"severity"`
	Status       TodoStatus   `json:"status"`
	Owner        TodoOwner    `json:"owner"`
	Action       string       `json:"action"`
	EvidenceRefs EvidenceRefs `json:"evidence_refs"`
}
