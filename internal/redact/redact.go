// Package redact implements the mandatory output filter (spec component
// C4). Every text string returned to an agent or external caller passes
// through Filter before it leaves the process — there is no bypass API.
package redact

import (
	"regexp"
	"strings"
)

// Marker replaces detected key material. Its exact text is part of the
// package's contract: downstream consumers match on it to confirm a
// redaction occurred.
const Marker = "[REDACTED BY WARDEX]"

// KeystoreBlocked is returned in place of the entire output when it looks
// like a JSON keystore file — such files are never safe to partially
// redact, so the whole string is replaced.
const KeystoreBlocked = "[OUTPUT BLOCKED BY WARDEX: possible key material]"

// hexKeyPattern matches a bare or 0x-prefixed 64-hex-character run framed
// by word boundaries — the shape of a raw private key or any other
// 32-byte secret rendered as hex.
var hexKeyPattern = regexp.MustCompile(`(?i)\b(0x)?[0-9a-f]{64}\b`)

// keystoreIndicator matches the characteristic crypto/cipher substructure
// of a go-ethereum-style or geth-compatible JSON keystore file.
var keystoreIndicator = regexp.MustCompile(`"crypto"\s*:\s*\{[^}]*"cipher"\s*:`)

// mnemonicLengths are the valid BIP-39 phrase lengths, longest first so a
// 24-word phrase is never mistaken for a shorter false-positive window
// inside it.
var mnemonicLengths = []int{24, 21, 18, 15, 12}

// mnemonicMatchThreshold is the minimum fraction of tokens in a candidate
// run that must appear in the wordlist before it is treated as a seed
// phrase, per spec.md §4.4. Chosen to tolerate a few non-dictionary
// tokens (typos, surrounding prose glued on by a bad tokenizer) without
// flagging ordinary sentences.
const mnemonicMatchThreshold = 0.4

// Filter is the output sanitizer. New builds one with the embedded
// wordlist and WithWordlist builds one with a custom list. The zero value
// has no wordlist and detects no mnemonics.
type Filter struct {
	words map[string]struct{}
}

// New returns a Filter using the default embedded wordlist.
func New() *Filter {
	return &Filter{words: wordSet}
}

// WithWordlist returns a Filter using a custom wordlist instead of the
// embedded default, for operators targeting a non-English BIP-39
// wordlist.
func WithWordlist(words []string) *Filter {
	return &Filter{words: buildWordSet(strings.Join(words, "\n"))}
}

// Apply runs all three detectors over text and returns the sanitized
// result. It is idempotent: Apply(Apply(x)) == Apply(x).
func (f *Filter) Apply(text string) string {
	if keystoreIndicator.MatchString(text) {
		return KeystoreBlocked
	}

	text = hexKeyPattern.ReplaceAllString(text, Marker)
	text = f.redactMnemonics(text)
	return text
}

// redactMnemonics finds runs of whitespace/punctuation-separated
// alphabetic tokens that look like a BIP-39 seed phrase — including
// obfuscated forms using mixed case, punctuation separators, or line
// wraps — and replaces each run found with Marker.
func (f *Filter) redactMnemonics(text string) string {
	tokenPattern := regexp.MustCompile(`[A-Za-z]+`)
	tokenSpans := tokenPattern.FindAllStringIndex(text, -1)
	if len(tokenSpans) == 0 {
		return text
	}

	tokens := make([]string, len(tokenSpans))
	for i, span := range tokenSpans {
		tokens[i] = strings.ToLower(text[span[0]:span[1]])
	}

	type redactSpan struct{ start, end int }
	var spans []redactSpan

	i := 0
	for i < len(tokens) {
		matchedLen := 0
		for _, length := range mnemonicLengths {
			if i+length > len(tokens) {
				continue
			}
			if f.matchRatio(tokens[i:i+length]) >= mnemonicMatchThreshold {
				matchedLen = length
				break
			}
		}
		if matchedLen == 0 {
			i++
			continue
		}
		spans = append(spans, redactSpan{
			start: tokenSpans[i][0],
			end:   tokenSpans[i+matchedLen-1][1],
		})
		i += matchedLen
	}

	if len(spans) == 0 {
		return text
	}

	var b strings.Builder
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.start])
		b.WriteString(Marker)
		prev = s.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

func (f *Filter) matchRatio(tokens []string) float64 {
	hits := 0
	for _, t := range tokens {
		if _, ok := f.words[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}
