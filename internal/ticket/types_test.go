package ticket

import (
	"math"
	"math/big"
	"testing"
)

func TestWinProbFromFloat(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{-1, 0},
		{0, 0},
		{math.NaN(), 0},
		{0.5, 0.5},
		{0.25, 0.25},
		{1, 1},
		{2, 1},
	}
	for _, tc := range cases {
		got := WinProbFromFloat(tc.in).Float64()
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("WinProbFromFloat(%v).Float64() = %v, want %v", tc.in, got, tc.want)
		}
	}
	if !WinProbFromFloat(1).IsAlwaysWinning() {
		t.Error("1.0 must encode as AlwaysWinning")
	}
	if WinProbFromFloat(0.999999).IsAlwaysWinning() {
		t.Error("0.999999 must not encode as AlwaysWinning")
	}
}

func TestTicket_CopyIsDeep(t *testing.T) {
	orig := &Ticket{Amount: big.NewInt(5), Signature: []byte{1, 2}}
	cp := orig.Copy()
	cp.Amount.SetInt64(9)
	cp.Signature[0] = 7
	if orig.Amount.Int64() != 5 || orig.Signature[0] != 1 {
		t.Fatal("Copy shares memory with the original")
	}
	if orig.Equal(cp) {
		t.Fatal("modified copy should not be equal")
	}
}

func TestTicket_LastIndex(t *testing.T) {
	tk := Ticket{Index: 10, IndexOffset: 5}
	if tk.LastIndex() != 15 {
		t.Errorf("LastIndex = %d, want 15", tk.LastIndex())
	}
}

func TestResponse_ToChallengeRejectsZero(t *testing.T) {
	var zero Response
	if _, err := zero.ToChallenge(); err == nil {
		t.Fatal("zero response must be rejected")
	}
}
