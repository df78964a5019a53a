package validation

import (
	"reflect"
	"testing"
)

func TestParseMilestoneIDs(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   []int64
		wantOK bool
	}{
		{name: "single id", raw: "5", want: []int64{5}, wantOK: true},
		{name: "several ids", raw: "1,2,3", want: []int64{1, 2, 3}, wantOK: true},
		{name: "spaces around ids", raw: " 1 , 2 ", want: []int64{1, 2}, wantOK: true},
		{name: "empty string", raw: "", wantOK: false},
		{name: "whitespace only", raw: "   ", wantOK: false},
		{name: "non-numeric token", raw: "1,abc", wantOK: false},
		{name: "negative id", raw: "1,-2", wantOK: false},
		{name: "zero id", raw: "0", wantOK: false},
		{name: "trailing comma", raw: "1,2,", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMilestoneIDs(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ParseMilestoneIDs(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if tt.wantOK && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseMilestoneIDs(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPlatformFee(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		percent int
		want    int64
	}{
		{name: "exact", amount: 10000, percent: 10, want: 1000},
		{name: "rounds up", amount: 105, percent: 10, want: 11},
		{name: "rounds down", amount: 104, percent: 10, want: 10},
		{name: "half rounds up", amount: 5, percent: 10, want: 1},
		{name: "zero amount", amount: 0, percent: 10, want: 0},
		{name: "zero percent", amount: 10000, percent: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlatformFee(tt.amount, tt.percent); got != tt.want {
				t.Fatalf("PlatformFee(%d, %d) = %d, want %d", tt.amount, tt.percent, got, tt.want)
			}
		})
	}
}

func TestIsValidAmount(t *testing.T) {
	if !IsValidAmount(1) {
		t.Fatalf("positive amount must be valid")
	}
	if IsValidAmount(0) || IsValidAmount(-100) {
		t.Fatalf("non-positive amount must be invalid")
	}
}
