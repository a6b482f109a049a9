package stages

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// injectionPattern is one entry in the canonical catalog (spec.md §6).
// The catalog is stable — reason codes are load-bearing for consumers.
type injectionPattern struct {
	Code     string
	Severity evalctx.Severity
	Regexp   *regexp.Regexp
}

var injectionCatalog = []injectionPattern{
	{"INJECTION_IGNORE_INSTRUCTIONS", evalctx.SeverityCritical, regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions?`)},
	{"INJECTION_ROLE_OVERRIDE", evalctx.SeverityHigh, regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+\w+|act\s+as\s+(a|an)\s+\w+\s+with\s+no\s+restrictions`)},
	{"INJECTION_SYSTEM_PROMPT_INJECTION", evalctx.SeverityCritical, regexp.MustCompile(`(?i)\[?(system|assistant)\s*(prompt)?\]?\s*:\s*`)},
	{"INJECTION_JAILBREAK_PATTERN", evalctx.SeverityCritical, regexp.MustCompile(`(?i)\bDAN\b|do\s+anything\s+now|jailbreak`)},
	{"INJECTION_BASE64_INSTRUCTION", evalctx.SeverityHigh, regexp.MustCompile(`(?i)decode\s+(this\s+)?base64|base64\s*:\s*[A-Za-z0-9+/=]{20,}`)},
	{"INJECTION_HIDDEN_INSTRUCTION_MARKER", evalctx.SeverityHigh, regexp.MustCompile(`(?i)<!--.*-->|\x{200b}|\bHIDDEN\s*INSTRUCTION\b`)},
	{"INJECTION_URGENCY_MANIPULATION", evalctx.SeverityMedium, regexp.MustCompile(`(?i)act\s+(immediately|now)|urgent(ly)?[,!]|before\s+it'?s\s+too\s+late`)},
	{"INJECTION_AUTHORIZATION_CLAIM", evalctx.SeverityHigh, regexp.MustCompile(`(?i)i\s+am\s+(the\s+)?(owner|admin|developer)|authorized\s+by\s+(the\s+)?(owner|admin)`)},
	{"INJECTION_SEED_PHRASE_REQUEST", evalctx.SeverityCritical, regexp.MustCompile(`(?i)(seed|recovery)\s+phrase|mnemonic\s+(words?|phrase)`)},
	{"INJECTION_REDIRECT_FUNDS", evalctx.SeverityHigh, regexp.MustCompile(`(?i)(send|transfer|redirect)\s+(all\s+)?(funds?|eth|tokens?)\s+to\s+0x[0-9a-fA-F]{40}`)},
}

const (
	contextSeverityWeightCritical = 40
	contextSeverityWeightHigh     = 25
	contextSeverityWeightMedium   = 15
	contextSeverityWeightLow      = 5
)

// escalationWindow is the shared 30-minute rolling sample of estimated USD
// values, keyed by conversation source identifier, used to detect value
// escalation across successive evaluations. Shaped after
// internal/risk/engine.go's keyWindow/pruneWindow sliding window.
type escalationWindow struct {
	mu      sync.Mutex
	samples map[string][]escalationSample
}

type escalationSample struct {
	usd float64
	at  time.Time
}

const escalationWindowDuration = 30 * time.Minute
const escalationRatio = 5.0

func newEscalationWindow() *escalationWindow {
	return &escalationWindow{samples: make(map[string][]escalationSample)}
}

// observe records the current sample and reports whether it constitutes
// an escalation (current ≥ 5x the oldest sample still in the window).
func (w *escalationWindow) observe(key string, usd float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-escalationWindowDuration)
	entries := w.samples[key]
	pruned := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			pruned = append(pruned, e)
		}
	}

	escalated := false
	if len(pruned) > 0 && pruned[0].usd > 0 && usd >= pruned[0].usd*escalationRatio {
		escalated = true
	}

	pruned = append(pruned, escalationSample{usd: usd, at: time.Now()})
	w.samples[key] = pruned
	return escalated
}

// cryptoKeywords back the topical-coherence heuristic: at least one must
// appear in the last five messages, or the source is flagged incoherent.
// The heuristic is brittle by design — spec.md §9 keeps its severity at
// medium rather than removing it.
var cryptoKeywordRe = regexp.MustCompile(`(?i)\b(wallet|transfer|swap|token|eth|erc-?20|contract|gas|approve|transaction|crypto|blockchain|nft)\b`)

// ContextAnalyzer is stage 3 of 9. It runs after Decoder and
// ValueAssessor because its value-escalation check reads the estimated
// USD value that ValueAssessor sets.
type ContextAnalyzer struct {
	escalation *escalationWindow
}

// NewContextAnalyzer builds the context analysis stage.
func NewContextAnalyzer() *ContextAnalyzer {
	return &ContextAnalyzer{escalation: newEscalationWindow()}
}

func (s *ContextAnalyzer) Name() string { return "context_analyzer" }

func (s *ContextAnalyzer) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	weight := 0
	conv := ec.Conversation

	if conv != nil {
		for _, m := range conv.Messages {
			for _, pat := range injectionCatalog {
				if pat.Regexp.MatchString(m.Content) {
					ec.AddReason(evalctx.SecurityReason{
						Code:     pat.Code,
						Message:  "conversation message matched injection pattern " + pat.Code,
						Severity: pat.Severity,
						Source:   evalctx.SourceContext,
					})
					weight += severityWeight(pat.Severity)
				}
			}
		}

		if !coherent(conv.Messages) {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "TOPICAL_INCOHERENCE",
				Message:  "recent conversation lacks any crypto-domain context",
				Severity: evalctx.SeverityMedium,
				Source:   evalctx.SourceContext,
			})
			weight += contextSeverityWeightMedium
		}

		for _, tc := range conv.ToolCalls {
			for _, pat := range injectionCatalog {
				if pat.Regexp.MatchString(tc.Output) {
					ec.AddReason(evalctx.SecurityReason{
						Code:     "CROSS_MCP_INJECTION",
						Message:  "tool output from " + tc.ToolName + " matched injection pattern " + pat.Code,
						Severity: evalctx.SeverityCritical,
						Source:   evalctx.SourceContext,
					})
					weight += contextSeverityWeightCritical
				}
			}
		}
	}

	if ec.Decoded != nil {
		key := "default"
		if conv != nil && conv.Source.Identifier != "" {
			key = conv.Source.Identifier
		}
		if s.escalation.observe(key, ec.Decoded.EstimatedValueUSD) {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "VALUE_ESCALATION",
				Message:  "estimated value escalated 5x or more within the 30-minute window",
				Severity: evalctx.SeverityHigh,
				Source:   evalctx.SourceContext,
			})
			weight += contextSeverityWeightHigh
		}
	}

	if weight > 100 {
		weight = 100
	}
	ec.Scores.Context = weight

	return next(ctx, ec)
}

func severityWeight(sev evalctx.Severity) int {
	switch sev {
	case evalctx.SeverityCritical:
		return contextSeverityWeightCritical
	case evalctx.SeverityHigh:
		return contextSeverityWeightHigh
	case evalctx.SeverityMedium:
		return contextSeverityWeightMedium
	case evalctx.SeverityLow:
		return contextSeverityWeightLow
	default:
		return 0
	}
}

func coherent(messages []evalctx.Message) bool {
	if len(messages) == 0 {
		return true
	}
	start := 0
	if len(messages) > 5 {
		start = len(messages) - 5
	}
	for _, m := range messages[start:] {
		if cryptoKeywordRe.MatchString(m.Content) {
			return true
		}
	}
	return false
}
