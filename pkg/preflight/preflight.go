// Package preflight runs the deterministic pre-launch check battery. Every
// check is a pure function of the session snapshot, the validated config,
// and the identity inputs; only the eigencloud reachability probe touches
// the network, and it is skipped whenever the policy never consults
// eigencloud.
package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/enclagent/gateway/pkg/models"
	"github.com/enclagent/gateway/pkg/wallet"
)

// Check ids, in execution order. The aggregate failure_category is the id
// of the first failing check.
const (
	CheckWalletBinding        = "wallet_binding"
	CheckIdentityTokenPresent = "identity_token_present"
	CheckPolicySelfConsistent = "policy_self_consistent"
	CheckGasReserveEstimate   = "gas_reserve_estimate"
	CheckFeeBudgetReserve     = "fee_budget_reserve"
	CheckBackendReachable     = "verification_backend_reachable"
)

// Reserve heuristics for live execution. Both sides of the estimate are
// derived from the config alone so the battery stays reproducible.
const (
	minGasReserveUSD    = 10.0
	gasReserveFraction  = 0.005 // of max_allocation_usd
	feeBudgetCapPercent = 0.02  // of max_allocation_usd
)

// Input carries everything the battery may consult.
type Input struct {
	Session              *models.Session
	Config               *models.PolicyConfig
	IdentityTokenPresent bool
	RequirePrivy         bool
	// Prober checks eigencloud reachability. nil skips the probe.
	Prober Prober
}

// Outcome is the aggregate battery result.
type Outcome struct {
	Status          models.PreflightStatus
	FailureCategory string
	Checks          []models.PreflightCheck
	// Latency is the reachability probe duration; zero when not probed.
	Latency time.Duration
}

// Run executes the battery in order. The aggregate passes iff every
// non-skipped check passed.
func Run(ctx context.Context, in Input) Outcome {
	out := Outcome{Status: models.PreflightPassed}

	record := func(id string, status models.CheckStatus, detail string) {
		out.Checks = append(out.Checks, models.PreflightCheck{CheckID: id, Status: status, Detail: detail})
		if status == models.CheckFailed && out.FailureCategory == "" {
			out.Status = models.PreflightFailed
			out.FailureCategory = id
		}
	}

	status, detail := checkWalletBinding(in.Session, in.Config)
	record(CheckWalletBinding, status, detail)

	status, detail = checkIdentityToken(in.RequirePrivy, in.IdentityTokenPresent)
	record(CheckIdentityTokenPresent, status, detail)

	status, detail = checkPolicyConsistency(in.Config)
	record(CheckPolicySelfConsistent, status, detail)

	status, detail = checkGasReserve(in.Config)
	record(CheckGasReserveEstimate, status, detail)

	status, detail = checkFeeBudget(in.Config)
	record(CheckFeeBudgetReserve, status, detail)

	status, detail, latency := checkBackendReachable(ctx, in.Config, in.Prober)
	record(CheckBackendReachable, status, detail)
	out.Latency = latency

	return out
}

func checkWalletBinding(sess *models.Session, cfg *models.PolicyConfig) (models.CheckStatus, string) {
	if _, err := wallet.NormalizeAddress(sess.WalletAddress); err != nil {
		return models.CheckFailed, "session wallet address is malformed"
	}
	if cfg.CustodyMode.RequiresUserWallet() && cfg.UserWalletAddress != sess.WalletAddress {
		return models.CheckFailed, fmt.Sprintf("custody mode %s requires user_wallet_address to equal the session wallet", cfg.CustodyMode)
	}
	if cfg.CustodyMode.RequiresOperatorWallet() && cfg.OperatorWalletAddress == "" {
		return models.CheckFailed, fmt.Sprintf("custody mode %s requires operator_wallet_address", cfg.CustodyMode)
	}
	return models.CheckPassed, "custody wallets bound"
}

func checkIdentityToken(required, present bool) (models.CheckStatus, string) {
	if !required {
		return models.CheckSkipped, "gateway does not require identity"
	}
	if !present {
		return models.CheckFailed, "identity token required but not supplied"
	}
	return models.CheckPassed, "identity token present"
}

func checkPolicyConsistency(cfg *models.PolicyConfig) (models.CheckStatus, string) {
	if cfg.MaxLeverage > cfg.LeverageCap {
		return models.CheckFailed, fmt.Sprintf("max_leverage %.1f exceeds leverage_cap %.1f", cfg.MaxLeverage, cfg.LeverageCap)
	}
	if cfg.PerTradeNotionalCapUSD > cfg.MaxAllocationUSD {
		return models.CheckFailed, fmt.Sprintf("per_trade_notional_cap_usd %.2f exceeds max_allocation_usd %.2f", cfg.PerTradeNotionalCapUSD, cfg.MaxAllocationUSD)
	}
	if overlap := symbolOverlap(cfg.SymbolAllowlist, cfg.SymbolDenylist); len(overlap) > 0 {
		return models.CheckFailed, fmt.Sprintf("symbols both allowed and denied: %s", strings.Join(overlap, ", "))
	}
	return models.CheckPassed, "policy caps are internally consistent"
}

func checkGasReserve(cfg *models.PolicyConfig) (models.CheckStatus, string) {
	if cfg.PaperLivePolicy == models.PaperLivePolicyPaper {
		return models.CheckSkipped, "paper execution holds no gas"
	}
	reserve := gasReserveFraction * cfg.MaxAllocationUSD
	if reserve < minGasReserveUSD {
		reserve = minGasReserveUSD
	}
	headroom := cfg.MaxAllocationUSD - cfg.PerTradeNotionalCapUSD
	if headroom < reserve {
		return models.CheckFailed, fmt.Sprintf(
			"allocation headroom %.2f USD below estimated gas reserve %.2f USD", headroom, reserve)
	}
	return models.CheckPassed, fmt.Sprintf("gas reserve %.2f USD covered by %.2f USD headroom", reserve, headroom)
}

func checkFeeBudget(cfg *models.PolicyConfig) (models.CheckStatus, string) {
	if cfg.PaperLivePolicy == models.PaperLivePolicyPaper {
		return models.CheckSkipped, "paper execution pays no fees"
	}
	slippage := float64(cfg.MaxSlippageBps) / 10000.0
	budget := cfg.PerTradeNotionalCapUSD * slippage * float64(cfg.MaxRetries+1)
	cap := feeBudgetCapPercent * cfg.MaxAllocationUSD
	if budget > cap {
		return models.CheckFailed, fmt.Sprintf(
			"worst-case fee budget %.2f USD exceeds %.2f USD (%.0f%% of allocation)",
			budget, cap, feeBudgetCapPercent*100)
	}
	return models.CheckPassed, fmt.Sprintf("worst-case fee budget %.2f USD within %.2f USD", budget, cap)
}

func checkBackendReachable(ctx context.Context, cfg *models.PolicyConfig, prober Prober) (models.CheckStatus, string, time.Duration) {
	if cfg.VerificationBackend == models.VerificationFallbackOnly {
		return models.CheckSkipped, "fallback chain requires no eigencloud probe", 0
	}
	if prober == nil {
		return models.CheckSkipped, "no eigencloud probe endpoint configured", 0
	}
	latency, err := prober.Probe(ctx)
	if err != nil {
		return models.CheckFailed, fmt.Sprintf("eigencloud unreachable: %v", err), latency
	}
	return models.CheckPassed, fmt.Sprintf("eigencloud responded in %dms", latency.Milliseconds()), latency
}

func symbolOverlap(allow, deny []string) []string {
	if len(allow) == 0 || len(deny) == 0 {
		return nil
	}
	denied := make(map[string]struct{}, len(deny))
	for _, s := range deny {
		denied[s] = struct{}{}
	}
	var overlap []string
	for _, s := range allow {
		if _, ok := denied[s]; ok {
			overlap = append(overlap, s)
		}
	}
	return overlap
}
