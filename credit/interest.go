package credit

// accrueInterest computes the flat simple-interest charge for a window:
// floor(principal * spread_bps / 10_000 * days / 365). The full product
// principal * spread_bps * days is formed first and divided once by
// 10_000 * 365, so the result is truncated a single time at the end.
func accrueInterest(principalUSDMicros, spreadBps, days int64) int64 {
	if principalUSDMicros <= 0 || spreadBps <= 0 || days <= 0 {
		return 0
	}
	numerator := principalUSDMicros * spreadBps * days
	return numerator / (10_000 * 365)
}

// lineOpenFee is max(50bps * limit, 50_000_000 usd-micros).
func lineOpenFee(limitUSDMicros int64) int64 {
	bps := limitUSDMicros * 50 / 10_000
	if bps < 50_000_000 {
		return 50_000_000
	}
	return bps
}

// drawFee is max(10bps * amount, 10_000_000 usd-micros).
func drawFee(amountUSDMicros int64) int64 {
	bps := amountUSDMicros * 10 / 10_000
	if bps < 10_000_000 {
		return 10_000_000
	}
	return bps
}

const (
	lineUpdateFee    = 10_000_000
	interestAccrueFee = 1_000_000
	feeApplyFee      = 1_000_000
	marginCallFee    = 100_000_000
	collateralFee    = 10_000_000
	liquidationFeeBps = 500
)
