package entity

import (
	"fmt"
	"strings"
)

type InstrumentKind string

const (
	InstrumentStock  InstrumentKind = "stock"
	InstrumentOption InstrumentKind = "option"
	InstrumentFuture InstrumentKind = "future"
	InstrumentForex  InstrumentKind = "forex"
	InstrumentIndex  InstrumentKind = "index"
	InstrumentCrypto InstrumentKind = "crypto"
)

// defaultExchanges is the default routing exchange per instrument kind.
var defaultExchanges = map[InstrumentKind]string{
	InstrumentStock:  "SMART",
	InstrumentOption: "SMART",
	InstrumentFuture: "CME",
	InstrumentForex:  "IDEALPRO",
	InstrumentIndex:  "CBOE",
	InstrumentCrypto: "PAXOS",
}

var secTypes = map[InstrumentKind]string{
	InstrumentStock:  "STK",
	InstrumentOption: "OPT",
	InstrumentFuture: "FUT",
	InstrumentForex:  "CASH",
	InstrumentIndex:  "IND",
	InstrumentCrypto: "CRYPTO",
}

func ParseInstrumentKind(raw string) (InstrumentKind, error) {
	kind := InstrumentKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case InstrumentStock, InstrumentOption, InstrumentFuture, InstrumentForex, InstrumentIndex, InstrumentCrypto:
		return kind, nil
	case "":
		return InstrumentStock, nil
	default:
		return "", fmt.Errorf("unsupported instrument type: %s", raw)
	}
}

// Instrument describes a tradable contract. Immutable once canonicalized.
type Instrument struct {
	Symbol        string
	Kind          InstrumentKind
	Exchange      string
	Currency      string
	ContractMonth string
	LastTradeDate string
}

// Canonicalize uppercases the symbol and fills the default routing exchange
// and currency for the instrument kind.
func (i Instrument) Canonicalize() Instrument {
	out := i
	out.Symbol = strings.ToUpper(strings.TrimSpace(i.Symbol))
	out.Exchange = strings.ToUpper(strings.TrimSpace(i.Exchange))
	out.Currency = strings.ToUpper(strings.TrimSpace(i.Currency))
	out.ContractMonth = strings.TrimSpace(i.ContractMonth)
	out.LastTradeDate = strings.TrimSpace(i.LastTradeDate)

	if out.Exchange == "" {
		out.Exchange = defaultExchanges[out.Kind]
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}

	return out
}

// Expiry returns the contract month or last trade date, whichever identifies
// the futures contract.
func (i Instrument) Expiry() string {
	if i.LastTradeDate != "" {
		return i.LastTradeDate
	}
	return i.ContractMonth
}

// Key is the canonical contract identity. For futures the expiry participates;
// for everything else (kind, symbol, exchange) suffices.
func (i Instrument) Key() string {
	if i.Kind == InstrumentFuture {
		return fmt.Sprintf("%s|%s|%s|%s", i.Kind, i.Symbol, i.Exchange, i.Expiry())
	}
	return fmt.Sprintf("%s|%s|%s", i.Kind, i.Symbol, i.Exchange)
}

// SecType is the upstream wire security type code.
func (i Instrument) SecType() string {
	return secTypes[i.Kind]
}
