package drain

// minTimestampsForFit is the threshold below which dejittering falls back
// to emitting the first recorded timestamp verbatim, per spec §4.H.
const minTimestampsForFit = 6

// DejitterStart derives a stream's drain-time start timestamp from its
// logged timestamp samples: an ordinary-least-squares fit of
// t(i) = a*i + b over the sample index i, returning the fitted intercept
// b when at least minTimestampsForFit timestamps were logged, or the
// first timestamp verbatim otherwise. Returns 0 for an empty log.
//
// Grounded on the teacher's fitLinear (regression/analyzer.go): the same
// sum-of-products least-squares formula, minus the R²/RMSE/Estimator
// machinery fitLinear builds for blob-size modeling, which this call site
// has no use for (see DESIGN.md).
func DejitterStart(timestamps []int64) int64 {
	if len(timestamps) == 0 {
		return 0
	}

	if len(timestamps) < minTimestampsForFit {
		return timestamps[0]
	}

	n := float64(len(timestamps))

	var sumX, sumY, sumXY, sumX2 float64
	for i, ts := range timestamps {
		x := float64(i)
		y := float64(ts)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	meanX := sumX / n
	meanY := sumY / n

	denom := sumX2 - n*meanX*meanX
	if denom == 0 {
		return timestamps[0]
	}

	slope := (sumXY - n*meanX*meanY) / denom
	intercept := meanY - slope*meanX

	return int64(intercept)
}
