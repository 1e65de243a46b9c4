package protocol

import "unicode"

// EstimateTokens approximates the token count of text for usage backfill
// when an upstream omits its own accounting. Latin script averages roughly
// four characters per token; CJK scripts tokenise close to one token per
// character, so those runes are counted individually.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n == 0 {
		n = 1
	}
	return n
}
