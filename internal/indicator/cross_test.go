package indicator

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/magnet/trade-engine/internal/model"
)

func bars(closes ...float64) []model.Bar {
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		out[i] = model.Bar{Close: decimal.NewFromFloat(c)}
	}
	return out
}

func crossAt(t *testing.T, bs []model.Bar, i int) int64 {
	t.Helper()
	v, ok := bs[i].Indicators[CrossKey]
	if !ok {
		t.Fatalf("bar %d has no %s", i, CrossKey)
	}
	return v.IntPart()
}

func TestCross_Golden(t *testing.T) {
	// Falling then sharply rising: the 2-bar average overtakes the 3-bar one.
	got, err := Cross(bars(10, 9, 8, 7, 12), 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if c := crossAt(t, got, i); c != 0 {
			t.Errorf("bar %d: got %d, want 0", i, c)
		}
	}
	if c := crossAt(t, got, 4); c != 1 {
		t.Errorf("bar 4: got %d, want 1", c)
	}
}

func TestCross_Dead(t *testing.T) {
	got, err := Cross(bars(1, 2, 3, 4, 0), 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if c := crossAt(t, got, 4); c != -1 {
		t.Errorf("bar 4: got %d, want -1", c)
	}
}

func TestCross_DoesNotMutateInput(t *testing.T) {
	in := bars(10, 9, 8, 7, 12)
	in[0].Indicators = map[string]decimal.Decimal{"other": decimal.NewFromInt(5)}

	out, err := Cross(in, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := in[0].Indicators[CrossKey]; ok {
		t.Error("input bar was annotated")
	}
	if in[4].Indicators != nil {
		t.Error("input bar got an indicator map")
	}
	if !out[0].Indicators["other"].Equal(decimal.NewFromInt(5)) {
		t.Error("existing indicators were dropped")
	}
}

func TestCross_InvalidWindow(t *testing.T) {
	for _, w := range [][2]int{{0, 3}, {3, 3}, {4, 2}} {
		if _, err := Cross(bars(1, 2, 3), w[0], w[1]); err != ErrInvalidWindow {
			t.Errorf("windows %v: got %v", w, err)
		}
	}
}

func TestCross_ShortHistory(t *testing.T) {
	got, err := Cross(bars(1, 2), 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if c := crossAt(t, got, i); c != 0 {
			t.Errorf("bar %d: got %d, want 0", i, c)
		}
	}
}
