// Package tokens provides a cheap character-ratio token estimator. Worker
// CLIs report exact usage after the fact; this estimate is for budgeting
// before a call is made.
package tokens

// CharsPerToken is the assumed character-to-token ratio. English prose runs
// near 4 chars per token; code is denser, so this overestimates slightly,
// which is the safe direction for budget checks.
const CharsPerToken = 4

// Estimate returns a ceiling estimate of the token count of text.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
