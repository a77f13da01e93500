package domain

import "strings"

// stableSymbols and blueChipSymbols are the static classification tables
// §4.3/§4.4 assume exist ("a recognised stable coin", "table-driven by
// token category") but never names a source for. Neither the token feed
// nor the price feed (§6) carries a category field, so this package
// supplies the lookup itself rather than inventing an unused config
// surface for a handful of well-known symbols.
var stableSymbols = map[string]bool{
	"USDC": true, "USDC.E": true, "USDT": true, "DAI": true, "FRAX": true, "USDE": true,
}

var blueChipSymbols = map[string]bool{
	"WETH": true, "ETH": true, "WBTC": true, "BTC": true,
}

var midCapSymbols = map[string]bool{
	"ARB": true, "OP": true, "LINK": true, "SOL": true, "AVAX": true, "UNI": true,
}

// ClassifyToken derives a symbol's stable-coin status and jump-variance
// category (§4.3's blue-chip/mid-cap/unreliable table). Anything not
// recognised defaults to unreliable, the conservative (largest jump
// intensity) bucket.
func ClassifyToken(symbol string) (category TokenCategory, isStable bool) {
	sym := strings.ToUpper(symbol)
	if stableSymbols[sym] {
		return CategoryBlueChip, true
	}
	if blueChipSymbols[sym] {
		return CategoryBlueChip, false
	}
	if midCapSymbols[sym] {
		return CategoryMidCap, false
	}
	return CategoryUnreliable, false
}
