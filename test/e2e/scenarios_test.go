package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclagent/gateway/pkg/events"
	"github.com/enclagent/gateway/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 1: command provisioning, happy path
// ────────────────────────────────────────────────────────────

func TestE2E_CommandHappyPath(t *testing.T) {
	app := NewTestApp(t)
	s := newSigner(t)

	ch := app.CreateChallenge(t, s.addr)
	sessionID := ch["session_id"].(string)
	message := ch["message"].(string)
	require.NotEmpty(t, sessionID)
	require.Contains(t, message, s.addr)

	// Walk the onboarding conversation to completion.
	turn := app.OnboardingChat(t, sessionID, "launch momentum strategy", http.StatusOK)
	state := turn["state"].(map[string]any)
	assert.Equal(t, string(models.StepCollectAssignments), state["current_step"])

	turn = app.OnboardingChat(t, sessionID,
		"profile_name=alpha_v1, gateway_auth_key=k0123456789abcdef0123456789abcdef, accept_terms=true",
		http.StatusOK)
	state = turn["state"].(map[string]any)
	assert.Equal(t, string(models.StepConfirmAndSign), state["current_step"])

	turn = app.OnboardingChat(t, sessionID, "confirm plan", http.StatusOK)
	state = turn["state"].(map[string]any)
	assert.Equal(t, string(models.StepReadyToSign), state["current_step"])

	turn = app.OnboardingChat(t, sessionID, "confirm sign", http.StatusOK)
	state = turn["state"].(map[string]any)
	assert.Equal(t, true, state["completed"])

	// Sign and verify; provisioning runs the external command.
	resp := app.Verify(t, verifyBody(t, sessionID, s.sign(t, message), launchConfig()), http.StatusOK)
	assert.Equal(t, string(models.StatusProvisioning), resp["status"])

	app.WaitForSessionStatus(t, sessionID, models.StatusReady)

	snap := app.GetSession(t, sessionID)
	assert.Equal(t, string(models.StatusReady), snap["status"])
	assert.Equal(t, string(models.RuntimeRunning), snap["runtime_state"])
	assert.Equal(t, "https://i.example", snap["instance_url"])
	assert.Equal(t, "eigen-e2e", snap["eigen_app_id"])
	assert.Equal(t, true, snap["dedicated_instance"])
	assert.Equal(t, true, snap["launched_on_eigencloud"])
	assert.NotEmpty(t, snap["auth_key_fingerprint"])

	// The auth key itself never appears in the snapshot.
	cfgMap, ok := snap["config"].(map[string]any)
	require.True(t, ok, "session snapshot missing config")
	key, _ := cfgMap["gateway_auth_key"].(string)
	assert.Empty(t, key)

	types := eventTypes(app.GetTimeline(t, sessionID))
	assert.True(t, containsInOrder(types, []string{
		models.EventChallengeIssued,
		models.EventSignatureVerified,
		models.EventPreflightPassed,
		models.EventProvisioningStarted,
		models.EventProvisioningSucceeded,
	}), "timeline %v missing the launch sequence", types)
}

// ────────────────────────────────────────────────────────────
// Scenario 2: challenge expires before verification
// ────────────────────────────────────────────────────────────

func TestE2E_ExpiredChallenge(t *testing.T) {
	app := NewTestApp(t, WithChallengeTTL(50*time.Millisecond))
	s := newSigner(t)

	ch := app.CreateChallenge(t, s.addr)
	sessionID := ch["session_id"].(string)
	message := ch["message"].(string)

	// The sweeper settles the session once the window lapses.
	app.WaitForSessionStatus(t, sessionID, models.StatusExpired)

	body := app.Verify(t, verifyBody(t, sessionID, s.sign(t, message), launchConfig()), http.StatusBadRequest)
	assert.Equal(t, "challenge_expired", body["error_code"])

	snap := app.GetSession(t, sessionID)
	assert.Equal(t, string(models.StatusExpired), snap["status"])

	types := eventTypes(app.GetTimeline(t, sessionID))
	assert.Contains(t, types, models.EventChallengeExpired)
}

// ────────────────────────────────────────────────────────────
// Scenario 3: wrong wallet signs the challenge
// ────────────────────────────────────────────────────────────

func TestE2E_WrongWalletSigns(t *testing.T) {
	app := NewTestApp(t)
	owner := newSigner(t)
	intruder := newSigner(t)

	ch := app.CreateChallenge(t, owner.addr)
	sessionID := ch["session_id"].(string)
	message := ch["message"].(string)

	body := app.Verify(t, verifyBody(t, sessionID, intruder.sign(t, message), launchConfig()), http.StatusBadRequest)
	assert.Equal(t, "signature_wallet_mismatch", body["error_code"])

	// The session survives for a retry within the challenge window.
	snap := app.GetSession(t, sessionID)
	assert.Equal(t, string(models.StatusPendingSignature), snap["status"])

	types := eventTypes(app.GetTimeline(t, sessionID))
	assert.Contains(t, types, models.EventSignatureRejected)

	// The rightful wallet can still complete the launch.
	resp := app.Verify(t, verifyBody(t, sessionID, owner.sign(t, message), launchConfig()), http.StatusOK)
	assert.Equal(t, string(models.StatusProvisioning), resp["status"])
	app.WaitForSessionStatus(t, sessionID, models.StatusReady)
}

// ────────────────────────────────────────────────────────────
// Scenario 4: default_instance_url fallback
// ────────────────────────────────────────────────────────────

func TestE2E_DefaultInstanceURLFallback(t *testing.T) {
	app := NewTestApp(t, WithDefaultInstanceURL("https://fixed.example"))
	s := newSigner(t)

	ch := app.CreateChallenge(t, s.addr)
	sessionID := ch["session_id"].(string)
	message := ch["message"].(string)

	resp := app.Verify(t, verifyBody(t, sessionID, s.sign(t, message), launchConfig()), http.StatusOK)
	assert.Equal(t, string(models.StatusReady), resp["status"])

	snap := app.GetSession(t, sessionID)
	assert.Equal(t, string(models.StatusReady), snap["status"])
	assert.Equal(t, string(models.RuntimeRunning), snap["runtime_state"])
	assert.Equal(t, "https://fixed.example", snap["instance_url"])
	assert.Equal(t, false, snap["dedicated_instance"])
	assert.Equal(t, false, snap["launched_on_eigencloud"])
}

// ────────────────────────────────────────────────────────────
// Scenario 5: runtime-control transition walk
// ────────────────────────────────────────────────────────────

func TestE2E_RuntimeControlWalk(t *testing.T) {
	app := NewTestApp(t)
	s := newSigner(t)

	ch := app.CreateChallenge(t, s.addr)
	sessionID := ch["session_id"].(string)
	message := ch["message"].(string)
	app.Verify(t, verifyBody(t, sessionID, s.sign(t, message), launchConfig()), http.StatusOK)
	app.WaitForSessionStatus(t, sessionID, models.StatusReady)

	resp := app.RuntimeControl(t, sessionID, "pause", http.StatusOK)
	assert.Equal(t, string(models.RuntimePaused), resp["runtime_state"])

	blocked := app.RuntimeControl(t, sessionID, "pause", http.StatusConflict)
	assert.Equal(t, "runtime_control_blocked", blocked["error_code"])
	assert.Equal(t, string(models.RuntimePaused), blocked["from_state"])
	assert.Equal(t, "pause", blocked["action"])

	resp = app.RuntimeControl(t, sessionID, "resume", http.StatusOK)
	assert.Equal(t, string(models.RuntimeRunning), resp["runtime_state"])

	resp = app.RuntimeControl(t, sessionID, "terminate", http.StatusOK)
	assert.Equal(t, string(models.RuntimeTerminated), resp["runtime_state"])

	blocked = app.RuntimeControl(t, sessionID, "rotate_auth_key", http.StatusConflict)
	assert.Equal(t, "runtime_control_blocked", blocked["error_code"])
	assert.Equal(t, string(models.RuntimeTerminated), blocked["from_state"])

	// Terminate is idempotent once terminated.
	resp = app.RuntimeControl(t, sessionID, "terminate", http.StatusOK)
	assert.Equal(t, string(models.RuntimeTerminated), resp["runtime_state"])
}

// ────────────────────────────────────────────────────────────
// Scenario 6: slow subscriber loses oldest events, sees lag notice
// ────────────────────────────────────────────────────────────

func TestE2E_SubscriberLag(t *testing.T) {
	const capacity = 8
	app := NewTestApp(t, WithSSEQueueCapacity(capacity))
	s := newSigner(t)

	ch := app.CreateChallenge(t, s.addr)
	sessionID := ch["session_id"].(string)

	sub := app.Bus.Subscribe(events.JobChannel(sessionID))
	defer sub.Close()

	// Publish capacity+10 events while the subscriber consumes nothing.
	total := capacity + 10
	for i := 0; i < total; i++ {
		require.NoError(t, app.Publisher.PublishJobStatus(sessionID, "provision", "progress", strconv.Itoa(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, events.EventLagged, msg.Event)
	var lag map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &lag))
	assert.EqualValues(t, 10, lag["dropped_count"])

	// The retained tail is the last `capacity` events, still in order.
	for i := 0; i < capacity; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, events.EventJobStatus, msg.Event)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, strconv.Itoa(total-capacity+i), payload["detail"])
	}
}
