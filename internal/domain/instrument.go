package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass identifies which upstream feed a symbol belongs to.
type AssetClass string

const (
	AssetForex   AssetClass = "forex"
	AssetCrypto  AssetClass = "crypto"
	AssetIndices AssetClass = "indices"
)

// Instrument represents a tradable synthetic instrument
type Instrument struct {
	ID             string          `gorm:"primaryKey" json:"id"`
	Symbol         string          `gorm:"uniqueIndex" json:"symbol"`
	Category       AssetClass      `gorm:"index" json:"category"`
	ContractSize   decimal.Decimal `json:"contract_size"`
	LeverageFactor decimal.Decimal `json:"leverage_factor"`
	IsActive       bool            `gorm:"index" json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AssetClassOf returns the instrument's declared category, falling back to
// inference from the symbol shape when the category was never configured.
func (i *Instrument) AssetClassOf() AssetClass {
	if i.Category != "" {
		return i.Category
	}
	return InferAssetClass(i.Symbol)
}

// knownIndices covers the index symbols the upstream feed quotes.
var knownIndices = map[string]bool{
	"US30": true, "US100": true, "US500": true,
	"DE40": true, "UK100": true, "JP225": true,
	"SPX": true, "NDX": true, "DJI": true,
}

// InferAssetClass guesses the asset class from the symbol shape.
// Fallback only; the instrument's declared category wins when present.
func InferAssetClass(symbol string) AssetClass {
	s := strings.ToUpper(symbol)
	if knownIndices[s] {
		return AssetIndices
	}
	if strings.HasSuffix(s, "USDT") || strings.HasSuffix(s, "BTC") || strings.HasSuffix(s, "ETH") {
		return AssetCrypto
	}
	return AssetForex
}
