package threat

import (
	"regexp"
	"strings"
)

// Category is one of the six fixed threat kinds.
type Category string

const (
	PromptInjection     Category = "prompt-injection"
	MemoryPoisoning     Category = "memory-poisoning"
	ShardManipulation   Category = "shard-manipulation"
	MaliciousDelegation Category = "malicious-delegation"
	PrivilegeEscalation Category = "privilege-escalation"
	DataExfiltration    Category = "data-exfiltration"
)

// Categories lists every category in evaluation order.
var Categories = []Category{
	PromptInjection, MemoryPoisoning, ShardManipulation,
	MaliciousDelegation, PrivilegeEscalation, DataExfiltration,
}

// Context carries caller-supplied facts that heuristics may consult.
type Context struct {
	AgentID         string            `json:"agent_id,omitempty"`
	Source          string            `json:"source,omitempty"` // e.g. "tool-output", "user", "peer"
	Role            string            `json:"role,omitempty"`
	DelegationDepth int               `json:"delegation_depth,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Heuristic inspects the input beyond what a single regular expression can.
type Heuristic func(text string, ctx Context) bool

// PatternDef is one row of a detection table. A row fires when its Pattern
// matches or its Heuristic returns true; either may be omitted.
type PatternDef struct {
	Category  Category
	Name      string
	Pattern   string // case-insensitive regular expression
	Severity  float64
	Heuristic Heuristic
}

// DefaultPatterns is evaluated by AnalyzeInput.
var DefaultPatterns = []PatternDef{
	// Prompt injection
	{Category: PromptInjection, Name: "ignore-instructions", Severity: 0.9,
		Pattern: `\b(ignore|disregard|forget)\b.{0,20}\b(all |any )?(previous|prior|above|earlier)\b.{0,10}\b(instructions?|rules?|prompts?)\b`},
	{Category: PromptInjection, Name: "role-override", Severity: 0.7,
		Pattern: `\b(you are now|act as|pretend (to be|you are)|from now on you)\b`},
	{Category: PromptInjection, Name: "fake-system-turn", Severity: 0.8,
		Pattern: `(<\|?/?(system|im_start|im_end)\|?>|\[/?INST\]|^\s*system\s*:)`},
	{Category: PromptInjection, Name: "hidden-characters", Severity: 0.6,
		Heuristic: hasHiddenCharacters},

	// Memory poisoning
	{Category: MemoryPoisoning, Name: "privilege-flag", Severity: 0.8,
		Pattern: `\b(is_?admin|is_?root|privileged|trusted|bypass_?\w*)\b\s*["']?\s*[:=]\s*["']?(true|1|yes)\b`},
	{Category: MemoryPoisoning, Name: "memory-override", Severity: 0.7,
		Pattern: `\b(overwrite|override|replace|erase)\b.{0,20}\b(memory|memories|knowledge base|shared state)\b`},

	// Shard manipulation
	{Category: ShardManipulation, Name: "policy-tamper", Severity: 0.85,
		Pattern: `\b(modify|edit|delete|remove|disable|bypass|rewrite)\b.{0,20}\b(polic(y|ies)|shards?|constitution|guardrails?|safety rules?)\b`},
	{Category: ShardManipulation, Name: "rule-suppression", Severity: 0.6,
		Pattern: `\b(rules?|polic(y|ies))\b.{0,20}\b(do(es)? not apply|no longer appl(y|ies)|are suspended)\b`},

	// Malicious delegation
	{Category: MaliciousDelegation, Name: "elevated-delegation", Severity: 0.75,
		Pattern: `\bdelegat\w*\b.{0,40}\b(full|admin|root|unrestricted|all) (access|permissions?|privileges?)\b`},
	{Category: MaliciousDelegation, Name: "deep-delegation-chain", Severity: 0.5,
		Heuristic: func(_ string, ctx Context) bool { return ctx.DelegationDepth > maxDelegationDepth }},

	// Privilege escalation
	{Category: PrivilegeEscalation, Name: "sudo", Severity: 0.7,
		Pattern: `(^|[\s;&|])sudo\s`},
	{Category: PrivilegeEscalation, Name: "setuid-chmod", Severity: 0.8,
		Pattern: `\bchmod\s+(\+s|u\+s|[0-7]?777)\b`},
	{Category: PrivilegeEscalation, Name: "self-grant", Severity: 0.85,
		Pattern: `\bgrant\b.{0,20}\b(me|myself|this agent)\b.{0,20}\b(admin|root|owner|superuser)\b`},
	{Category: PrivilegeEscalation, Name: "admin-request-from-non-admin", Severity: 0.5,
		Heuristic: func(text string, ctx Context) bool {
			return ctx.Role != "" && ctx.Role != "admin" && adminRequest.MatchString(text)
		}},

	// Data exfiltration
	{Category: DataExfiltration, Name: "upload-command", Severity: 0.8,
		Pattern: `\b(curl|wget)\b[^\n]*\s(-d|--data\S*|-F|--form|-T|--upload-file|--post-data)\b`},
	{Category: DataExfiltration, Name: "send-to-url", Severity: 0.7,
		Pattern: `\b(send|post|upload|forward|exfiltrate)\b.{0,40}\bhttps?://`},
	{Category: DataExfiltration, Name: "credential-literal", Severity: 0.6,
		Pattern: `\b(api[_-]?key|access[_-]?token|password|secret[_-]?key|private[_-]?key)\b\s*[:=]\s*\S{8,}`},
	{Category: DataExfiltration, Name: "encoded-blob", Severity: 0.5,
		Heuristic: hasEncodedBlob},
}

// MemoryPatterns is evaluated by AnalyzeMemoryWrite against key and value.
var MemoryPatterns = []PatternDef{
	{Category: MemoryPoisoning, Name: "privilege-flag", Severity: 0.8,
		Pattern: `\b(is_?admin|is_?root|privileged|trusted|bypass_?\w*|role)\b\s*["']?\s*[:=]\s*["']?(true|1|yes|admin|root)\b`},
	{Category: MemoryPoisoning, Name: "instruction-plant", Severity: 0.7,
		Pattern: `\b(ignore|disregard)\b.{0,20}\b(instructions?|rules?|polic(y|ies))\b`},
	{Category: MemoryPoisoning, Name: "reserved-namespace", Severity: 0.6,
		Pattern: `^\s*(system|policy|constitution|quorum)[./:]`},
}

const (
	maxDelegationDepth = 3
	minBlobLength      = 200
)

var (
	adminRequest = regexp.MustCompile(`(?i)\b(admin|root|superuser)\b.{0,20}\b(access|rights|privileges?|role)\b`)
	blobPattern  = regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`) // minBlobLength
)

// hasHiddenCharacters flags zero-width and bidi-control runes used to smuggle
// instructions past reviewers.
func hasHiddenCharacters(text string, _ Context) bool {
	for _, r := range text {
		switch {
		case r >= 0x200B && r <= 0x200F, r >= 0x202A && r <= 0x202E, r >= 0x2066 && r <= 0x2069, r == 0xFEFF:
			return true
		case r >= 0xE0000 && r <= 0xE007F: // tag characters
			return true
		}
	}
	return false
}

func hasEncodedBlob(text string, _ Context) bool {
	if len(text) < minBlobLength {
		return false
	}
	return blobPattern.MatchString(strings.TrimSpace(text))
}
