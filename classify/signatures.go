package classify

import (
	"math"
	"regexp"
	"sort"

	"dev.hon.one/niobium/common"
)

// GenericThreshold - Scores below this classify as generic.
const GenericThreshold = 0.5

type weightedPattern struct {
	pattern *regexp.Regexp
	weight  float64
}

// Signature - Weighted patterns identifying one device type in identification output.
type Signature struct {
	Type     common.DeviceType
	patterns []weightedPattern
	excludes []*regexp.Regexp
	// Specificity breaks ties between equal scores, higher wins.
	Specificity int
}

func signature(deviceType common.DeviceType, specificity int, excludes []string, patterns ...interface{}) Signature {
	sig := Signature{Type: deviceType, Specificity: specificity}
	for i := 0; i+1 < len(patterns); i += 2 {
		sig.patterns = append(sig.patterns, weightedPattern{
			pattern: regexp.MustCompile(patterns[i].(string)),
			weight:  patterns[i+1].(float64),
		})
	}
	for _, exclude := range excludes {
		sig.excludes = append(sig.excludes, regexp.MustCompile(exclude))
	}
	return sig
}

// Score - Sum of matched pattern weights, capped at 1. Zero if an exclusion matches.
func (sig Signature) Score(output string) float64 {
	for _, exclude := range sig.excludes {
		if exclude.MatchString(output) {
			return 0
		}
	}
	score := 0.0
	for _, weighted := range sig.patterns {
		if weighted.pattern.MatchString(output) {
			score += weighted.weight
		}
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*1000) / 1000
}

// Signatures - Vendor signatures in priority order.
var Signatures = []Signature{
	signature(common.DeviceTypeCiscoNXOS, 3, nil,
		`NX-OS`, 0.7,
		`Cisco Nexus`, 0.3,
		`(?i)nexus ?\d+`, 0.1),
	signature(common.DeviceTypeCiscoIOSXE, 3, []string{`NX-OS`},
		`IOS[ -]XE`, 0.7,
		`Cisco IOS Software`, 0.2,
		`\bCisco\b`, 0.1),
	signature(common.DeviceTypeCiscoIOS, 2, []string{`NX-OS`, `IOS[ -]XE`},
		`\bIOS\b`, 0.6,
		`(?i)\bcisco\b`, 0.3,
		`Cisco IOS Software|Cisco Internetwork Operating System`, 0.1),
	signature(common.DeviceTypeAristaEOS, 2, nil,
		`\bArista\b`, 0.6,
		`\bEOS\b`, 0.3,
		`(?i)software image version`, 0.1),
	signature(common.DeviceTypeJuniperJunos, 2, nil,
		`(?i)\bjunos\b`, 0.7,
		`(?i)\bjuniper\b`, 0.3),
	signature(common.DeviceTypeVyOS, 2, nil,
		`(?i)\bvyos\b`, 0.8,
		`(?i)vyatta`, 0.2),
	signature(common.DeviceTypeHuaweiVRP, 2, nil,
		`\bVRP\b`, 0.6,
		`(?i)\bhuawei\b`, 0.4),
	signature(common.DeviceTypeFSOS, 2, []string{`\bIOS\b`},
		`\bFSOS\b`, 0.7,
		`(?i)fs\.com|fiberstore`, 0.3),
	signature(common.DeviceTypeTPLinkJetstream, 2, nil,
		`(?i)jetstream`, 0.6,
		`(?i)tp-link`, 0.4),
	signature(common.DeviceTypeLinux, 1, []string{`(?i)vyos`},
		`\bLinux\b`, 0.6,
		`GNU/Linux`, 0.2,
		`x86_64|aarch64|armv7l`, 0.2),
}

// Match - The outcome of scoring an output.
type Match struct {
	Type       common.DeviceType
	Confidence float64
	// Ambiguous is set when different types tie on score and specificity.
	Ambiguous bool
}

type scored struct {
	signature Signature
	score     float64
}

// Identify - Score output against all signatures. The highest score wins, then the highest
// specificity. A remaining tie between different types, or a best score below the threshold,
// gives generic.
func Identify(output string) Match {
	var results []scored
	for _, sig := range Signatures {
		if score := sig.Score(output); score > 0 {
			results = append(results, scored{signature: sig, score: score})
		}
	}
	if len(results) == 0 {
		return Match{Type: common.DeviceTypeGeneric}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].signature.Specificity > results[j].signature.Specificity
	})

	best := results[0]
	if len(results) > 1 {
		runnerUp := results[1]
		if runnerUp.score == best.score && runnerUp.signature.Specificity == best.signature.Specificity &&
			runnerUp.signature.Type != best.signature.Type {
			return Match{Type: common.DeviceTypeGeneric, Confidence: best.score, Ambiguous: true}
		}
	}
	if best.score < GenericThreshold {
		return Match{Type: common.DeviceTypeGeneric, Confidence: best.score}
	}
	return Match{Type: best.signature.Type, Confidence: best.score}
}
