package policy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"

	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/wallet"
)

// SuggestRequest carries the inputs to config synthesis.
type SuggestRequest struct {
	WalletAddress  string
	Intent         string
	Domain         string
	GatewayAuthKey string
}

// Suggestion is a synthesized candidate config. Config always passes
// Validate for the request wallet; Assumptions record the choices the
// synthesizer made on the user's behalf, Warnings the ones the user should
// review before signing.
type Suggestion struct {
	Config      *models.PolicyConfig `json:"config"`
	TemplateID  string               `json:"template_id"`
	Assumptions []string             `json:"assumptions"`
	Warnings    []string             `json:"warnings"`
}

// knownSymbols maps intent keywords to canonical trading symbols.
var knownSymbols = map[string]string{
	"btc": "BTC", "bitcoin": "BTC",
	"eth": "ETH", "ethereum": "ETH",
	"sol": "SOL", "solana": "SOL",
	"doge": "DOGE", "dogecoin": "DOGE",
	"avax": "AVAX", "avalanche": "AVAX",
	"link": "LINK", "chainlink": "LINK",
}

// Suggest synthesizes a validated policy config from free-form intent. A
// template is picked by domain and keyword affinity, its risk profile and
// config defaults are merged over the gateway's base policy, and the result
// is bound to the request wallet under user_wallet custody.
func Suggest(lib *Library, req SuggestRequest) (*Suggestion, error) {
	addr, err := wallet.NormalizeAddress(req.WalletAddress)
	if err != nil {
		return nil, NewValidationError("wallet_address", "must be 0x followed by 40 hex characters")
	}

	var assumptions, warnings []string

	domain := req.Domain
	if domain == "" {
		domain = DefaultProfileDomain
		assumptions = append(assumptions, fmt.Sprintf("domain defaulted to %q", domain))
	}

	tmpl, matched := pickTemplate(lib, domain, req.Intent)
	if !matched {
		assumptions = append(assumptions,
			fmt.Sprintf("no template matched the intent; defaulted to %q", tmpl.TemplateID))
	}

	objective := strings.TrimSpace(req.Intent)
	if objective == "" {
		objective = tmpl.Objective
		assumptions = append(assumptions, "objective taken from the template; no intent supplied")
	}

	authKey := req.GatewayAuthKey
	if authKey == "" {
		authKey = generateAuthKey()
		warnings = append(warnings,
			"gateway_auth_key was generated; store it securely, it is shown only once")
	}

	cfg := baseConfig()
	overlay := &models.PolicyConfig{
		ProfileName:   tmpl.TemplateID,
		ProfileDomain: tmpl.Domain,
		Objective:     objective,

		GatewayAuthKey: authKey,

		CustodyMode:       models.CustodyUserWallet,
		UserWalletAddress: addr,

		PaperLivePolicy:         tmpl.Config.PaperLivePolicy,
		InformationSharingScope: tmpl.Config.InformationSharingScope,

		SymbolAllowlist: symbolsFromIntent(req.Intent),

		MaxPositionSizeUSD:     tmpl.RiskProfile.MaxPositionSizeUSD,
		LeverageCap:            tmpl.RiskProfile.MaxLeverage,
		MaxLeverage:            tmpl.RiskProfile.MaxLeverage,
		MaxAllocationUSD:       allocationFor(tmpl.RiskProfile.MaxPositionSizeUSD),
		PerTradeNotionalCapUSD: tmpl.RiskProfile.MaxPositionSizeUSD,
		MaxSlippageBps:         tmpl.RiskProfile.MaxSlippageBps,

		VerificationBackend: tmpl.Config.VerificationBackend,
		VerificationFallbackRequireSignedReceipts: tmpl.Config.VerificationFallbackRequireSignedReceipts,
	}
	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge template defaults: %w", err)
	}
	cfg.AcceptTerms = true
	if cfg.VerificationBackend == models.VerificationFallbackOnly {
		cfg.VerificationFallbackEnabled = true
	}

	assumptions = append(assumptions,
		"custody_mode set to user_wallet bound to the requesting wallet",
		"accept_terms prefilled; signing the challenge constitutes acceptance")
	if len(overlay.SymbolAllowlist) == 0 {
		assumptions = append(assumptions, "symbol_allowlist defaulted to BTC, ETH")
	}
	if cfg.PaperLivePolicy == models.PaperLivePolicyLive {
		warnings = append(warnings,
			"template defaults to live execution; review position and leverage caps before signing")
	}

	validated, err := Validate(cfg, addr)
	if err != nil {
		return nil, fmt.Errorf("synthesized config failed validation: %w", err)
	}

	return &Suggestion{
		Config:      validated,
		TemplateID:  tmpl.TemplateID,
		Assumptions: assumptions,
		Warnings:    warnings,
	}, nil
}

// baseConfig holds the gateway-wide policy defaults templates merge over.
func baseConfig() *models.PolicyConfig {
	return &models.PolicyConfig{
		ProfileDomain:           DefaultProfileDomain,
		PaperLivePolicy:         models.PaperLivePolicyPaper,
		InformationSharingScope: models.SharingScopePrivate,
		SymbolAllowlist:         []string{"BTC", "ETH"},

		RequestTimeoutMS: 10000,
		MaxRetries:       3,
		RetryBackoffMS:   500,

		VerificationBackend:             models.VerificationEigencloudPrimary,
		VerificationLevel:               models.VerificationLevelStandard,
		VerificationEigencloudTimeoutMS: 15000,
	}
}

// pickTemplate scores the domain's templates by keyword overlap with the
// intent and returns the best match, or the domain's first template when
// nothing scores. The boolean reports whether anything matched.
func pickTemplate(lib *Library, domain, intent string) (models.PolicyTemplate, bool) {
	candidates := lib.ByDomain(domain)
	if len(candidates) == 0 {
		candidates = lib.All()
	}

	tokens := tokenize(intent)
	best, bestScore := candidates[0], 0
	for _, t := range candidates {
		score := 0
		for tok := range tokens {
			if strings.Contains(t.TemplateID, tok) {
				score += 3
			}
			if strings.Contains(strings.ToLower(t.Title), tok) {
				score += 2
			}
			if strings.Contains(strings.ToLower(t.Objective), tok) ||
				strings.Contains(strings.ToLower(t.Rationale), tok) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore > 0
}

// tokenize lowercases the intent and splits it into words of length >= 3,
// which keeps stop words like "a"/"on"/"to" from scoring.
func tokenize(intent string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(intent), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(f) >= 3 {
			out[f] = struct{}{}
		}
	}
	return out
}

// symbolsFromIntent extracts canonical symbols named in the intent. Empty
// when none are named; the base allowlist then applies.
func symbolsFromIntent(intent string) []string {
	tokens := tokenize(intent)
	seen := make(map[string]struct{})
	var out []string
	for tok := range tokens {
		sym, ok := knownSymbols[tok]
		if !ok {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	// Map iteration order is random; sort so repeated suggestions are
	// byte-identical.
	sort.Strings(out)
	return out
}

// allocationFor derives a total allocation cap from the per-position cap,
// bounded by the validator's notional ceiling.
func allocationFor(positionUSD float64) float64 {
	alloc := positionUSD * 4
	if alloc > maxNotionalUSD {
		alloc = maxNotionalUSD
	}
	return alloc
}

// generateAuthKey returns a 48-hex-character key from 24 random bytes.
func generateAuthKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
