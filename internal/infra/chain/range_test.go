package chain

import (
	"reflect"
	"testing"
)

func TestSplitRange(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
		size     uint64
		want     []BlockRange
	}{
		{
			name: "even chunks",
			from: 100, to: 105, size: 2,
			want: []BlockRange{{100, 101}, {102, 103}, {104, 105}},
		},
		{
			name: "short tail",
			from: 1, to: 5, size: 2,
			want: []BlockRange{{1, 2}, {3, 4}, {5, 5}},
		},
		{
			name: "single block",
			from: 5, to: 5, size: 10,
			want: []BlockRange{{5, 5}},
		},
		{
			name: "range reaching max uint64",
			from: ^uint64(0) - 1, to: ^uint64(0), size: 1,
			want: []BlockRange{{^uint64(0) - 1, ^uint64(0) - 1}, {^uint64(0), ^uint64(0)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitRange(tt.from, tt.to, tt.size)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ranges mismatch: %+v != %+v", got, tt.want)
			}
		})
	}
}

func TestSplitRangeInvalid(t *testing.T) {
	if _, err := SplitRange(10, 9, 1); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := SplitRange(1, 10, 0); err == nil {
		t.Error("expected error for zero size")
	}
}
