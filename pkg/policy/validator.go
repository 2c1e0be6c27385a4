package policy

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/wallet"
)

// Config contract surface exposed by GET /config-contract.
const (
	CurrentConfigVersion = "v2"
	DefaultProfileDomain = "trading"
)

// Validation bounds. All closed intervals.
const (
	minRequestTimeoutMS  = 1000
	maxRequestTimeoutMS  = 120000
	maxRetriesCap        = 10
	maxRetryBackoffMS    = 30000
	minNotionalUSD       = 1
	maxNotionalUSD       = 1e7
	minLeverage          = 1
	maxLeverageCap       = 20
	minSlippageBps       = 1
	maxSlippageBps       = 5000
	minAuthKeyLen        = 16
	maxAuthKeyLen        = 128
	maxEigencloudProbeMS = 120000
)

// Validate normalizes a user-supplied policy config and enforces every
// field-level and cross-field invariant. On success it returns a fresh,
// normalized copy; the input is never mutated. sessionWallet is the
// lowercased wallet bound to the session, used for custody binding checks.
func Validate(in *models.PolicyConfig, sessionWallet string) (*models.PolicyConfig, error) {
	if in == nil {
		return nil, NewValidationError("config", "missing policy config")
	}
	cfg := in.Clone()

	if strings.TrimSpace(cfg.ProfileName) == "" {
		return nil, NewValidationError("profile_name", "must not be empty")
	}
	cfg.ProfileName = strings.TrimSpace(cfg.ProfileName)
	if cfg.ProfileDomain == "" {
		cfg.ProfileDomain = DefaultProfileDomain
	}
	if strings.TrimSpace(cfg.Objective) == "" {
		return nil, NewValidationError("objective", "must not be empty")
	}
	if !cfg.AcceptTerms {
		return nil, NewValidationError("accept_terms", "terms must be accepted")
	}

	if err := validateAuthKey(cfg.GatewayAuthKey); err != nil {
		return nil, err
	}

	if !cfg.CustodyMode.IsValid() {
		return nil, NewValidationError("custody_mode",
			fmt.Sprintf("must be one of operator_wallet, user_wallet, dual_mode; got %q", cfg.CustodyMode))
	}
	if cfg.CustodyMode.RequiresOperatorWallet() {
		addr, err := wallet.NormalizeAddress(cfg.OperatorWalletAddress)
		if err != nil {
			return nil, NewValidationError("operator_wallet_address",
				"required for operator_wallet/dual_mode custody and must be 0x+40 hex")
		}
		cfg.OperatorWalletAddress = addr
	}
	if cfg.CustodyMode.RequiresUserWallet() {
		addr, err := wallet.NormalizeAddress(cfg.UserWalletAddress)
		if err != nil {
			return nil, NewValidationError("user_wallet_address",
				"required for user_wallet/dual_mode custody and must be 0x+40 hex")
		}
		if sessionWallet != "" && addr != sessionWallet {
			return nil, NewValidationError("user_wallet_address",
				"must equal the session wallet address")
		}
		cfg.UserWalletAddress = addr
	}

	switch cfg.PaperLivePolicy {
	case "":
		cfg.PaperLivePolicy = models.PaperLivePolicyPaper
	case models.PaperLivePolicyPaper, models.PaperLivePolicyLive:
	default:
		return nil, NewValidationError("paper_live_policy",
			fmt.Sprintf("must be paper or live; got %q", cfg.PaperLivePolicy))
	}

	switch cfg.InformationSharingScope {
	case "":
		cfg.InformationSharingScope = models.SharingScopePrivate
	case models.SharingScopePrivate, models.SharingScopeOperatorsOnly, models.SharingScopePublic:
	default:
		return nil, NewValidationError("information_sharing_scope",
			fmt.Sprintf("must be private, operators_only, or public; got %q", cfg.InformationSharingScope))
	}

	cfg.SymbolAllowlist = normalizeSymbols(cfg.SymbolAllowlist)
	cfg.SymbolDenylist = normalizeSymbols(cfg.SymbolDenylist)
	if len(cfg.SymbolAllowlist) == 0 {
		return nil, NewValidationError("symbol_allowlist", "must contain at least one symbol")
	}

	if cfg.RequestTimeoutMS < minRequestTimeoutMS || cfg.RequestTimeoutMS > maxRequestTimeoutMS {
		return nil, rangeError("request_timeout_ms", minRequestTimeoutMS, maxRequestTimeoutMS)
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > maxRetriesCap {
		return nil, rangeError("max_retries", 0, maxRetriesCap)
	}
	if cfg.RetryBackoffMS < 0 || cfg.RetryBackoffMS > maxRetryBackoffMS {
		return nil, rangeError("retry_backoff_ms", 0, maxRetryBackoffMS)
	}
	if cfg.MaxPositionSizeUSD < minNotionalUSD || cfg.MaxPositionSizeUSD > maxNotionalUSD {
		return nil, rangeError("max_position_size_usd", minNotionalUSD, maxNotionalUSD)
	}
	if cfg.LeverageCap < minLeverage || cfg.LeverageCap > maxLeverageCap {
		return nil, rangeError("leverage_cap", minLeverage, maxLeverageCap)
	}
	if cfg.MaxLeverage < minLeverage || cfg.MaxLeverage > cfg.LeverageCap {
		return nil, NewValidationError("max_leverage",
			fmt.Sprintf("must be within [%d, leverage_cap=%g]", minLeverage, cfg.LeverageCap))
	}
	if cfg.MaxAllocationUSD < minNotionalUSD || cfg.MaxAllocationUSD > maxNotionalUSD {
		return nil, rangeError("max_allocation_usd", minNotionalUSD, maxNotionalUSD)
	}
	if cfg.PerTradeNotionalCapUSD < minNotionalUSD || cfg.PerTradeNotionalCapUSD > cfg.MaxAllocationUSD {
		return nil, NewValidationError("per_trade_notional_cap_usd",
			fmt.Sprintf("must be within [%d, max_allocation_usd=%g]", minNotionalUSD, cfg.MaxAllocationUSD))
	}
	if cfg.MaxSlippageBps < minSlippageBps || cfg.MaxSlippageBps > maxSlippageBps {
		return nil, rangeError("max_slippage_bps", minSlippageBps, maxSlippageBps)
	}

	if !cfg.VerificationBackend.IsValid() {
		return nil, NewValidationError("verification_backend",
			fmt.Sprintf("must be eigencloud_primary or fallback_only; got %q", cfg.VerificationBackend))
	}
	if cfg.VerificationBackend == models.VerificationFallbackOnly && !cfg.VerificationFallbackEnabled {
		return nil, NewValidationError("verification_backend",
			"fallback_only requires verification_fallback_enabled=true")
	}
	if strings.ContainsAny(cfg.VerificationFallbackChainPath, "\n\r\u2028\u2029") {
		return nil, NewValidationError("verification_fallback_chain_path",
			"must not contain line terminators")
	}
	if cfg.VerificationLevel == "" {
		cfg.VerificationLevel = models.VerificationLevelStandard
	}
	if cfg.VerificationEigencloudTimeoutMS < 1 || cfg.VerificationEigencloudTimeoutMS > maxEigencloudProbeMS {
		return nil, rangeError("verification_eigencloud_timeout_ms", 1, maxEigencloudProbeMS)
	}

	return cfg, nil
}

func validateAuthKey(key string) error {
	if len(key) < minAuthKeyLen || len(key) > maxAuthKeyLen {
		return NewValidationError("gateway_auth_key",
			fmt.Sprintf("length must be within [%d, %d]", minAuthKeyLen, maxAuthKeyLen))
	}
	for _, r := range key {
		if unicode.IsSpace(r) {
			return NewValidationError("gateway_auth_key", "must not contain whitespace")
		}
	}
	return nil
}

// normalizeSymbols uppercases and de-duplicates, preserving first-seen order.
func normalizeSymbols(symbols []string) []string {
	if len(symbols) == 0 {
		return symbols
	}
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

func rangeError(field string, lo, hi int) *ValidationError {
	return NewValidationError(field, fmt.Sprintf("must be within [%d, %d]", lo, hi))
}
