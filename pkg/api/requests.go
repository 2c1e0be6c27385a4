package api

import (
	"github.com/enclagent/gateway/pkg/models"
)

// ChallengeRequest is the body of POST /challenge.
type ChallengeRequest struct {
	WalletAddress string `json:"wallet_address"`
	PrivyUserID   string `json:"privy_user_id"`
	ChainID       *int64 `json:"chain_id"`
}

// VerifyRequest is the body of POST /verify. WalletAddress and Message are
// optional cross-checks against the stored challenge.
type VerifyRequest struct {
	SessionID          string               `json:"session_id"`
	WalletAddress      string               `json:"wallet_address"`
	Signature          string               `json:"signature"`
	Message            string               `json:"message"`
	Config             *models.PolicyConfig `json:"config"`
	PrivyIdentityToken string               `json:"privy_identity_token"`
	PrivyAccessToken   string               `json:"privy_access_token"`
}

// RuntimeControlRequest is the body of POST /session/:id/runtime-control.
// Actor is advisory; proxy headers win when present.
type RuntimeControlRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

// OnboardingChatRequest is the body of POST /onboarding/chat.
type OnboardingChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// SuggestConfigRequest is the body of POST /suggest-config.
type SuggestConfigRequest struct {
	WalletAddress  string `json:"wallet_address"`
	Intent         string `json:"intent"`
	Domain         string `json:"domain"`
	GatewayAuthKey string `json:"gateway_auth_key"`
}
