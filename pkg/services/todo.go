package services

import (
	"fmt"

	"github.com/enclagent/gateway/pkg/models"
)

// Checklist item ids, in presentation order.
const (
	TodoSignChallenge        = "sign_authorization_challenge"
	TodoCompleteOnboarding   = "complete_onboarding_conversation"
	TodoPassFundingPreflight = "pass_funding_preflight"
	TodoProvisionRuntime     = "provision_runtime_endpoint"
	TodoEnableEigencloud     = "enable_eigencloud_verification"
	TodoRotateAuthKey        = "rotate_gateway_auth_key"
)

// DeriveTodos computes the session checklist from the current snapshots.
// It is a pure function: nothing here is stored except the aggregate counts
// the caller writes back via RefreshTodoCounts. ob may be nil when no
// onboarding turn has happened yet; a locked-in config then counts as a
// completed conversation.
func DeriveTodos(sess *models.Session, ob *models.OnboardingState) []models.GatewayTodo {
	terminal := sess.Status == models.StatusFailed || sess.Status == models.StatusExpired
	refs := models.EvidenceRefs{
		SessionID:          sess.SessionID,
		ProvisioningSource: sess.ProvisioningSource,
		VerificationLevel:  sess.VerificationLevel,
		ModuleState:        onboardingModuleState(sess, ob),
		ControlState:       sess.RuntimeState,
	}

	signed := models.TodoSatisfied
	if sess.Status == models.StatusPendingSignature {
		signed = models.TodoOpen
	}
	if terminal {
		signed = models.TodoBlocked
	}

	conversed := models.TodoOpen
	if onboardingDone(sess, ob) {
		conversed = models.TodoSatisfied
	} else if terminal {
		conversed = models.TodoBlocked
	}

	preflight := models.TodoOpen
	switch {
	case sess.FundingPreflightStatus == models.PreflightPassed:
		preflight = models.TodoSatisfied
	case sess.FundingPreflightStatus == models.PreflightFailed, terminal:
		preflight = models.TodoBlocked
	}

	provisioned := models.TodoOpen
	switch {
	case sess.Status == models.StatusReady:
		provisioned = models.TodoSatisfied
	case terminal:
		provisioned = models.TodoBlocked
	}

	eigencloud := models.TodoOpen
	switch {
	case sess.VerificationBackend == models.VerificationEigencloudPrimary:
		eigencloud = models.TodoSatisfied
	case terminal:
		eigencloud = models.TodoBlocked
	}

	rotated := models.TodoOpen
	switch {
	case sess.AuthKeyFingerprint != "":
		rotated = models.TodoSatisfied
	case terminal, sess.RuntimeState == models.RuntimeTerminated:
		rotated = models.TodoBlocked
	}

	return []models.GatewayTodo{
		{
			TodoID:       TodoSignChallenge,
			Severity:     models.TodoRequired,
			Status:       signed,
			Owner:        models.TodoOwnerUser,
			Action:       "Sign the authorization challenge with the session wallet",
			EvidenceRefs: refs,
		},
		{
			TodoID:       TodoCompleteOnboarding,
			Severity:     models.TodoRequired,
			Status:       conversed,
			Owner:        models.TodoOwnerUser,
			Action:       "Finish the onboarding conversation so a policy can be synthesized",
			EvidenceRefs: refs,
		},
		{
			TodoID:       TodoPassFundingPreflight,
			Severity:     models.TodoRequired,
			Status:       preflight,
			Owner:        models.TodoOwnerOperator,
			Action:       "Resolve funding preflight failures and re-verify",
			EvidenceRefs: refs,
		},
		{
			TodoID:       TodoProvisionRuntime,
			Severity:     models.TodoRequired,
			Status:       provisioned,
			Owner:        models.TodoOwnerOperator,
			Action:       "Provision the runtime endpoint for this session",
			EvidenceRefs: refs,
		},
		{
			TodoID:       TodoEnableEigencloud,
			Severity:     models.TodoRecommended,
			Status:       eigencloud,
			Owner:        models.TodoOwnerOperator,
			Action:       "Route verification through the eigencloud primary backend",
			EvidenceRefs: refs,
		},
		{
			TodoID:       TodoRotateAuthKey,
			Severity:     models.TodoRecommended,
			Status:       rotated,
			Owner:        models.TodoOwnerOperator,
			Action:       "Rotate the gateway auth key from the control surface",
			EvidenceRefs: refs,
		},
	}
}

// TodoCounts tallies open items by severity.
func TodoCounts(todos []models.GatewayTodo) (openRequired, openRecommended int) {
	for _, todo := range todos {
		if todo.Status != models.TodoOpen {
			continue
		}
		if todo.Severity == models.TodoRequired {
			openRequired++
		} else {
			openRecommended++
		}
	}
	return openRequired, openRecommended
}

// TodoSummary renders the aggregate line stored on the session.
func TodoSummary(todos []models.GatewayTodo) string {
	var open, satisfied, blocked int
	for _, todo := range todos {
		switch todo.Status {
		case models.TodoSatisfied:
			satisfied++
		case models.TodoBlocked:
			blocked++
		default:
			open++
		}
	}
	return fmt.Sprintf("open:%d satisfied:%d blocked:%d", open, satisfied, blocked)
}

// RefreshTodoCounts recomputes the derived checklist aggregates onto sess.
// Call inside an Apply mutator after any field the checklist reads changes.
func RefreshTodoCounts(sess *models.Session, ob *models.OnboardingState) {
	todos := DeriveTodos(sess, ob)
	sess.TodoOpenRequiredCount, sess.TodoOpenRecommendedCount = TodoCounts(todos)
	sess.TodoStatusSummary = TodoSummary(todos)
}

func onboardingDone(sess *models.Session, ob *models.OnboardingState) bool {
	if sess.Config != nil {
		return true
	}
	if ob == nil {
		return false
	}
	return ob.Completed || ob.CurrentStep == models.StepReadyToSign
}

func onboardingModuleState(sess *models.Session, ob *models.OnboardingState) string {
	if ob != nil {
		return string(ob.CurrentStep)
	}
	if sess.Config != nil {
		return string(models.StepReadyToSign)
	}
	return string(models.StepCollectObjective)
}
