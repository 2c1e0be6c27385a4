package api

import (
	"time"

	"github.com/enclagent/gateway/pkg/models"
)

// ChallengeResponse is the result of POST /challenge: the message the
// wallet must personal_sign and the window it is valid for.
type ChallengeResponse struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionListResponse is the result of GET /sessions.
type SessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// TimelineResponse is the result of GET /session/:id/timeline.
type TimelineResponse struct {
	SessionID string                  `json:"session_id"`
	Events    []*models.TimelineEvent `json:"events"`
}

// TodosResponse is the result of GET /session/:id/gateway-todos.
type TodosResponse struct {
	SessionID                string               `json:"session_id"`
	Todos                    []models.GatewayTodo `json:"todos"`
	TodoOpenRequiredCount    int                  `json:"todo_open_required_count"`
	TodoOpenRecommendedCount int                  `json:"todo_open_recommended_count"`
	TodoStatusSummary        string               `json:"todo_status_summary"`
}

// FundingPreflightResponse is the result of GET /session/:id/funding-preflight.
type FundingPreflightResponse struct {
	SessionID       string                  `json:"session_id"`
	Status          models.PreflightStatus  `json:"status"`
	FailureCategory string                  `json:"failure_category,omitempty"`
	Checks          []models.PreflightCheck `json:"checks"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// RuntimeControlResponse is the result of POST /session/:id/runtime-control.
type RuntimeControlResponse struct {
	SessionID    string              `json:"session_id"`
	Action       string              `json:"action"`
	Status       string              `json:"status"`
	RuntimeState models.RuntimeState `json:"runtime_state"`
	Detail       string              `json:"detail"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// OnboardingChatResponse is the result of POST /onboarding/chat.
type OnboardingChatResponse struct {
	SessionID        string                  `json:"session_id"`
	AssistantMessage string                  `json:"assistant_message"`
	State            *models.OnboardingState `json:"state"`
}

// PolicyTemplatesResponse is the result of GET /policy-templates.
type PolicyTemplatesResponse struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Templates   []models.PolicyTemplate `json:"templates"`
}

// ConfigContractResponse is the result of GET /config-contract: the config
// version verify stamps and the defaults applied to omitted fields.
type ConfigContractResponse struct {
	CurrentConfigVersion string           `json:"current_config_version"`
	Defaults             ContractDefaults `json:"defaults"`
}

// ContractDefaults lists defaulted config fields and their values.
type ContractDefaults struct {
	ProfileDomain string `json:"profile_domain"`
}

// ExperienceManifestResponse is the result of GET /experience/manifest: the
// ordered client journey from challenge to a running runtime.
type ExperienceManifestResponse struct {
	ManifestVersion int              `json:"manifest_version"`
	Steps           []ExperienceStep `json:"steps"`
}

// ExperienceStep is one stage of the client journey.
type ExperienceStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
}

// BootstrapResponse is the result of GET /bootstrap: everything a client
// needs before its first challenge.
type BootstrapResponse struct {
	Enabled             bool   `json:"enabled"`
	RequirePrivy        bool   `json:"require_privy"`
	PrivyAppID          string `json:"privy_app_id,omitempty"`
	PrivyClientID       string `json:"privy_client_id,omitempty"`
	ProvisioningBackend string `json:"provisioning_backend"`
	PollIntervalMS      int64  `json:"poll_interval_ms"`
}

// HealthResponse is the result of GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the status of a single monitored component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
