package policy

import (
	"sync"

	"github.com/enclagent/gateway/pkg/models"
)

var (
	builtinTemplates     []models.PolicyTemplate
	builtinTemplatesOnce sync.Once
)

// getBuiltinTemplates returns the ordered built-in template catalog
// (thread-safe, lazy-initialized). User catalogs merge over these by
// template_id.
func getBuiltinTemplates() []models.PolicyTemplate {
	builtinTemplatesOnce.Do(initBuiltinTemplates)
	return builtinTemplates
}

func initBuiltinTemplates() {
	builtinTemplates = []models.PolicyTemplate{
		{
			TemplateID: "momentum_conservative",
			Domain:     "trading",
			Title:      "Conservative momentum",
			Objective:  "Trade liquid majors on momentum signals with tight risk caps",
			Rationale:  "Momentum on BTC/ETH with low leverage keeps drawdowns bounded while the runtime builds a verified track record.",
			ModulePlan: []string{"identity", "policy", "verification", "provisioning", "runtime", "evidence"},
			RiskProfile: models.RiskProfile{
				Posture:            "conservative",
				MaxPositionSizeUSD: 2500,
				MaxLeverage:        2,
				MaxSlippageBps:     50,
			},
			Config: models.TemplateConfig{
				PaperLivePolicy:     models.PaperLivePolicyPaper,
				CustodyMode:         models.CustodyUserWallet,
				VerificationBackend: models.VerificationEigencloudPrimary,
				VerificationFallbackRequireSignedReceipts: true,
				InformationSharingScope:                   models.SharingScopePrivate,
			},
		},
		{
			TemplateID: "momentum_aggressive",
			Domain:     "trading",
			Title:      "Aggressive momentum",
			Objective:  "Capture fast momentum moves across majors and high-liquidity alts",
			Rationale:  "Higher leverage and wider slippage tolerance chase short-lived moves; only suitable once the conservative profile has verified evidence.",
			ModulePlan: []string{"identity", "policy", "verification", "provisioning", "runtime", "evidence"},
			RiskProfile: models.RiskProfile{
				Posture:            "aggressive",
				MaxPositionSizeUSD: 10000,
				MaxLeverage:        5,
				MaxSlippageBps:     150,
			},
			Config: models.TemplateConfig{
				PaperLivePolicy:     models.PaperLivePolicyLive,
				CustodyMode:         models.CustodyUserWallet,
				VerificationBackend: models.VerificationEigencloudPrimary,
				VerificationFallbackRequireSignedReceipts: true,
				InformationSharingScope:                   models.SharingScopePrivate,
			},
		},
		{
			TemplateID: "market_neutral",
			Domain:     "trading",
			Title:      "Market-neutral basis",
			Objective:  "Run delta-neutral basis and funding-rate capture across perp venues",
			Rationale:  "Neutral exposure removes directional risk; returns come from funding spreads, so caps center on allocation rather than leverage.",
			ModulePlan: []string{"identity", "policy", "verification", "provisioning", "runtime", "evidence"},
			RiskProfile: models.RiskProfile{
				Posture:            "neutral",
				MaxPositionSizeUSD: 5000,
				MaxLeverage:        3,
				MaxSlippageBps:     30,
			},
			Config: models.TemplateConfig{
				PaperLivePolicy:     models.PaperLivePolicyPaper,
				CustodyMode:         models.CustodyUserWallet,
				VerificationBackend: models.VerificationEigencloudPrimary,
				VerificationFallbackRequireSignedReceipts: false,
				InformationSharingScope:                   models.SharingScopeOperatorsOnly,
			},
		},
		{
			TemplateID: "dca_accumulator",
			Domain:     "trading",
			Title:      "DCA accumulator",
			Objective:  "Accumulate a target basket on a fixed cadence with strict notional caps",
			Rationale:  "Scheduled small buys need no leverage and tolerate no slippage games; the tightest profile offered.",
			ModulePlan: []string{"identity", "policy", "verification", "provisioning", "runtime", "evidence"},
			RiskProfile: models.RiskProfile{
				Posture:            "conservative",
				MaxPositionSizeUSD: 1000,
				MaxLeverage:        1,
				MaxSlippageBps:     25,
			},
			Config: models.TemplateConfig{
				PaperLivePolicy:     models.PaperLivePolicyLive,
				CustodyMode:         models.CustodyUserWallet,
				VerificationBackend: models.VerificationEigencloudPrimary,
				VerificationFallbackRequireSignedReceipts: true,
				InformationSharingScope:                   models.SharingScopePrivate,
			},
		},
		{
			TemplateID: "research_sandbox",
			Domain:     "research",
			Title:      "Research sandbox",
			Objective:  "Evaluate strategies on paper fills with full evidence capture",
			Rationale:  "Paper-only execution with public evidence sharing; used to compare strategy candidates before any live custody decision.",
			ModulePlan: []string{"identity", "policy", "verification", "provisioning", "runtime", "evidence"},
			RiskProfile: models.RiskProfile{
				Posture:            "paper",
				MaxPositionSizeUSD: 100000,
				MaxLeverage:        10,
				MaxSlippageBps:     500,
			},
			Config: models.TemplateConfig{
				PaperLivePolicy:     models.PaperLivePolicyPaper,
				CustodyMode:         models.CustodyUserWallet,
				VerificationBackend: models.VerificationFallbackOnly,
				VerificationFallbackRequireSignedReceipts: false,
				InformationSharingScope:                   models.SharingScopePublic,
			},
		},
	}
}
