package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestShouldTrigger(t *testing.T) {
	tests := []struct {
		name    string
		kind    OrderKind
		side    OrderSide
		trigger string
		current string
		want    bool
	}{
		{"buy limit below trigger", KindLimit, SideBuy, "1.1600", "1.1595", true},
		{"buy limit at trigger", KindLimit, SideBuy, "1.1600", "1.1600", true},
		{"buy limit above trigger", KindLimit, SideBuy, "1.1600", "1.1605", false},
		{"sell limit above trigger", KindLimit, SideSell, "1.1600", "1.1610", true},
		{"sell limit below trigger", KindLimit, SideSell, "1.1600", "1.1590", false},
		{"buy stop above trigger", KindStop, SideBuy, "1.1600", "1.1610", true},
		{"buy stop below trigger", KindStop, SideBuy, "1.1600", "1.1590", false},
		{"sell stop below trigger", KindStop, SideSell, "1.1600", "1.1590", true},
		{"sell stop above trigger", KindStop, SideSell, "1.1600", "1.1610", false},
		{"buy stop-limit behaves as stop", KindStopLimit, SideBuy, "1.1600", "1.1610", true},
		{"sell stop-limit behaves as stop", KindStopLimit, SideSell, "1.1600", "1.1590", true},
		{"market never triggers here", KindMarket, SideBuy, "1.1600", "1.1600", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldTrigger(tt.kind, tt.side, d(tt.trigger), d(tt.current))
			if got != tt.want {
				t.Errorf("ShouldTrigger(%s %s, trigger=%s, current=%s) = %v, want %v",
					tt.kind, tt.side, tt.trigger, tt.current, got, tt.want)
			}
		})
	}
}

func TestOrderValidate(t *testing.T) {
	trigger := d("1.1600")

	valid := &Order{Kind: KindLimit, Side: SideBuy, LotSize: d("0.1"), TriggerPrice: &trigger}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}

	market := &Order{Kind: KindMarket, Side: SideSell, LotSize: d("0.1")}
	if err := market.Validate(); err != nil {
		t.Errorf("market order needs no trigger price: %v", err)
	}

	noTrigger := &Order{Kind: KindLimit, Side: SideBuy, LotSize: d("0.1")}
	if err := noTrigger.Validate(); err == nil {
		t.Error("limit order without trigger price should be rejected")
	}

	zeroLot := &Order{Kind: KindMarket, Side: SideBuy, LotSize: decimal.Zero}
	if err := zeroLot.Validate(); err == nil {
		t.Error("zero lot size should be rejected")
	}

	badSide := &Order{Kind: KindMarket, Side: "short", LotSize: d("0.1")}
	if err := badSide.Validate(); err == nil {
		t.Error("unknown side should be rejected")
	}
}

func TestOrderIsTerminal(t *testing.T) {
	for _, st := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected} {
		o := &Order{Status: st}
		if !o.IsTerminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	o := &Order{Status: OrderStatusPending}
	if o.IsTerminal() {
		t.Error("pending should not be terminal")
	}
}
