package redact

import (
	_ "embed"
	"strings"
)

//go:embed wordlist.txt
var embeddedWordlist string

// wordSet is the default embedded English BIP-39 word list used by the
// mnemonic detector, per spec.md §4.4. Operators with a different
// wordlist requirement can build a Filter with WithWordlist instead.
var wordSet = buildWordSet(embeddedWordlist)

func buildWordSet(raw string) map[string]struct{} {
	lines := strings.Split(raw, "\n")
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		w := strings.TrimSpace(line)
		if w == "" {
			continue
		}
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}
