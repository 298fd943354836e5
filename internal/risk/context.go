package risk

import "fmt"

// ContextualRisk scores the action context on its own, returning the capped
// points and a reason per factor that fired. Non-finite inputs are ignored.
func ContextualRisk(actx ActionContext) (float64, []string) {
	var points float64
	var factors []string
	add := func(p float64, format string, args ...any) {
		points += p
		factors = append(factors, fmt.Sprintf(format, args...))
	}

	if finite(actx.Leverage) {
		switch {
		case actx.Leverage > 10:
			add(20, "high leverage (%.1fx)", actx.Leverage)
		case actx.Leverage > 5:
			add(10, "elevated leverage (%.1fx)", actx.Leverage)
		}
	}

	switch {
	case actx.RecentLossCount >= 5:
		add(25, "%d recent losses", actx.RecentLossCount)
	case actx.RecentLossCount >= 3:
		add(15, "%d recent losses", actx.RecentLossCount)
	case actx.RecentLossCount >= 1:
		add(8, "%d recent loss(es)", actx.RecentLossCount)
	}

	if finite(actx.CurrentPnL) {
		switch {
		case actx.CurrentPnL < -2000:
			add(15, "session drawdown %.0f", actx.CurrentPnL)
		case actx.CurrentPnL < -1000:
			add(10, "session drawdown %.0f", actx.CurrentPnL)
		case actx.CurrentPnL < -500:
			add(8, "session drawdown %.0f", actx.CurrentPnL)
		}
	}

	if !actx.LocalTime.IsZero() {
		if h := actx.LocalTime.Hour(); h < 6 || h >= 22 {
			add(5, "trading outside 06:00-22:00 (%s)", actx.LocalTime.Format("15:04"))
		}
	}

	if finite(actx.MarketVolatility) {
		switch {
		case actx.MarketVolatility > 1.0:
			add(15, "extreme market volatility (%.2f)", actx.MarketVolatility)
		case actx.MarketVolatility > 0.8:
			add(8, "high market volatility (%.2f)", actx.MarketVolatility)
		}
	}

	if points > MaxContextualRisk {
		points = MaxContextualRisk
	}
	return points, factors
}
