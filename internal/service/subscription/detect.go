package subscription

import (
	"strings"

	"github.com/krobus00/market-bridge/internal/entity"
)

// futuresRootSymbols are contract roots commonly requested as if they were
// stocks. E-minis, micros, commodities, rates, currencies, livestock.
var futuresRootSymbols = map[string]struct{}{
	"ES": {}, "NQ": {}, "YM": {}, "RTY": {},
	"MES": {}, "MNQ": {}, "MYM": {}, "M2K": {},
	"CL": {}, "NG": {}, "GC": {}, "SI": {}, "HG": {}, "PL": {}, "PA": {},
	"ZC": {}, "ZS": {}, "ZW": {}, "ZL": {}, "ZM": {}, "KC": {}, "SB": {},
	"CC": {}, "CT": {},
	"ZB": {}, "ZN": {}, "ZF": {}, "ZT": {},
	"6E": {}, "6B": {}, "6J": {}, "6A": {}, "6C": {}, "6S": {},
	"RB": {}, "HO": {}, "BZ": {},
	"ZG": {}, "ZI": {},
	"LE": {}, "GF": {}, "HE": {},
}

// detectInstrumentKind promotes a default "stock" request to the kind the
// symbol actually names: known futures roots become futures, six-letter
// alphabetic symbols become forex pairs. Explicit kinds are never overridden.
func detectInstrumentKind(instrument entity.Instrument) entity.Instrument {
	if instrument.Kind != entity.InstrumentStock {
		return instrument
	}

	symbol := strings.ToUpper(strings.TrimSpace(instrument.Symbol))
	if symbol == "" {
		return instrument
	}

	if _, ok := futuresRootSymbols[symbol]; ok {
		instrument.Kind = entity.InstrumentFuture
		return instrument
	}

	if len(symbol) == 6 && isAlpha(symbol) {
		instrument.Kind = entity.InstrumentForex
		return instrument
	}

	return instrument
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
