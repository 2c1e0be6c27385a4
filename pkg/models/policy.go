package models

// CustodyMode declares which wallet(s) hold trading custody.
type CustodyMode string

const (
	// CustodyOperatorWallet means the operator's wallet signs all activity.
	CustodyOperatorWallet CustodyMode = "operator_wallet"
	// CustodyUserWallet means the user's own wallet retains custody.
	CustodyUserWallet CustodyMode = "user_wallet"
	// CustodyDualMode requires both wallets to be configured.
	CustodyDualMode CustodyMode = "dual_mode"
)

// IsValid checks if the custody mode is a known value.
func (c CustodyMode) IsValid() bool {
	return c == CustodyOperatorWallet || c == CustodyUserWallet || c == CustodyDualMode
}

// RequiresOperatorWallet reports whether operator_wallet_address must be set.
func (c CustodyMode) RequiresOperatorWallet() bool {
	return c == CustodyOperatorWallet || c == CustodyDualMode
}

// RequiresUserWallet reports whether user_wallet_address must be set and
// equal the session wallet.
func (c CustodyMode) RequiresUserWallet() bool {
	return c == CustodyUserWallet || c == CustodyDualMode
}

// VerificationBackend selects how runtime evidence is verified.
type VerificationBackend string

const (
	// VerificationEigencloudPrimary verifies against eigencloud first.
	VerificationEigencloudPrimary VerificationBackend = "eigencloud_primary"
	// VerificationFallbackOnly skips eigencloud and relies on the fallback chain.
	VerificationFallbackOnly VerificationBackend = "fallback_only"
)

// IsValid checks if the verification backend is a known value.
func (v VerificationBackend) IsValid() bool {
	return v == VerificationEigencloudPrimary || v == VerificationFallbackOnly
}

// Paper/live trading policies.
const (
	PaperLivePolicyPaper = "paper"
	PaperLivePolicyLive  = "live"
)

// Information sharing scopes.
const (
	SharingScopePrivate       = "private"
	SharingScopeOperatorsOnly = "operators_only"
	SharingScopePublic        = "public"
)

// Verification levels reported in the verification explanation.
const (
	VerificationLevelStandard = "standard"
	VerificationLevelAttested = "attested"
)

// PolicyConfig is the validated operating policy bound to a session at the
// signature-accepted transition, immutable thereafter. Unknown wire fields
// are dropped on decode, never propagated.
type PolicyConfig struct {
	ProfileName   string `json:"profile_name"`
	ProfileDomain string `json:"profile_domain"`
	Objective     string `json:"objective"`
	AcceptTerms   bool   `json:"accept_terms"`

	// GatewayAuthKey authenticates the runtime to the gateway. It is carried
	// only inside the validated config; rotation replaces it with a
	// fingerprint (see Session.AuthKeyFingerprint).
	GatewayAuthKey string `json:"gateway_auth_key"`

	CustodyMode           CustodyMode `json:"custody_mode"`
	OperatorWalletAddress string      `json:"operator_wallet_address,omitempty"`
	UserWalletAddress     string      `json:"user_wallet_address,omitempty"`

	PaperLivePolicy         string `json:"paper_live_policy"`
	InformationSharingScope string `json:"information_sharing_scope"`

	SymbolAllowlist []string `json:"symbol_allowlist"`
	SymbolDenylist  []string `json:"symbol_denylist,omitempty"`

	RequestTimeoutMS int `json:"request_timeout_ms"`
	MaxRetries       int `json:"max_retries"`
	RetryBackoffMS   int `json:"retry_backoff_ms"`

	MaxPositionSizeUSD     float64 `json:"max_position_size_usd"`
	LeverageCap            float64 `json:"leverage_cap"`
	MaxLeverage            float64 `json:"max_leverage"`
	MaxAllocationUSD       float64 `json:"max_allocation_usd"`
	PerTradeNotionalCapUSD float64 `json:"per_trade_notional_cap_usd"`
	MaxSlippageBps         int     `json:"max_slippage_bps"`

	VerificationBackend                       VerificationBackend `json:"verification_backend"`
	VerificationLevel                         string              `json:"verification_level"`
	VerificationFallbackEnabled               bool                `json:"verification_fallback_enabled"`
	VerificationFallbackRequireSignedReceipts bool                `json:"verification_fallback_require_signed_receipts"`
	VerificationFallbackChainPath             string              `json:"verification_fallback_chain_path,omitempty"`
	VerificationEigencloudTimeoutMS           int                 `json:"verification_eigencloud_timeout_ms"`
}

// Clone returns a deep copy safe to hand to callers.
func (c *PolicyConfig) Clone() *PolicyConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if c.SymbolAllowlist != nil {
		cp.SymbolAllowlist = make([]string, len(c.SymbolAllowlist))
		copy(cp.SymbolAllowlist, c.SymbolAllowlist)
	}
	if c.SymbolDenylist != nil {
		cp.SymbolDenylist = make([]string, len(c.SymbolDenylist))
		copy(cp.SymbolDenylist, c.SymbolDenylist)
	}
	return &cp
}

// RiskProfile summarizes a template's risk posture.
type RiskProfile struct {
	Posture            string  `json:"posture" yaml:"posture"`
	MaxPositionSizeUSD float64 `json:"max_position_size_usd" yaml:"max_position_size_usd"`
	MaxLeverage        float64 `json:"max_leverage" yaml:"max_leverage"`
	MaxSlippageBps     int     `json:"max_slippage_bps" yaml:"max_slippage_bps"`
}

// TemplateConfig carries the config defaults a template contributes to
// synthesized policies.
type TemplateConfig struct {
	PaperLivePolicy                           string              `json:"paper_live_policy" yaml:"paper_live_policy"`
	CustodyMode                               CustodyMode         `json:"custody_mode" yaml:"custody_mode"`
	VerificationBackend                       VerificationBackend `json:"verification_backend" yaml:"verification_backend"`
	VerificationFallbackRequireSignedReceipts bool                `json:"verification_fallback_require_signed_receipts" yaml:"verification_fallback_require_signed_receipts"`
	InformationSharingScope                   string              `json:"information_sharing_scope" yaml:"information_sharing_scope"`
}

// PolicyTemplate is one immutable entry of the policy template library.
type PolicyTemplate struct {
	TemplateID  string         `json:"template_id" yaml:"template_id"`
	Domain      string         `json:"domain" yaml:"domain"`
	Title       string         `json:"title" yaml:"title"`
	Objective   string         `json:"objective" yaml:"objective"`
	Rationale   string         `json:"rationale" yaml:"rationale"`
	ModulePlan  []string       `json:"module_plan" yaml:"module_plan"`
	RiskProfile RiskProfile    `json:"risk_profile" yaml:"risk_profile"`
	Config      TemplateConfig `json:"config" yaml:"config"`
}
