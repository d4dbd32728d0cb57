// Package rating holds the pluggable scoring hook the coordinator invokes
// when a rated session finishes.
package rating

import "math"

// ScoreFunc maps two ratings and white's score (1 win, 0.5 draw, 0 loss) to
// the updated rating pair.
type ScoreFunc func(white, black int, whiteScore float64) (newWhite, newBlack int)

const defaultK = 32

// Elo is the default ScoreFunc.
func Elo(white, black int, whiteScore float64) (int, int) {
	expWhite := expected(white, black)
	newWhite := white + int(round(defaultK*(whiteScore-expWhite)))
	newBlack := black + int(round(defaultK*((1-whiteScore)-(1-expWhite))))
	return newWhite, newBlack
}

// expected returns the probability of the first player winning. 0.5 means
// equal chances.
func expected(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// round rounds half away from zero.
func round(f float64) float64 {
	if f >= 0 {
		return math.Floor(f + 0.5)
	}
	return math.Ceil(f - 0.5)
}
