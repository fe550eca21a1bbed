package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := map[string]int{
		"":     10,
		"42":   42,
		"-13":  -13,
		"0012": 12,
		"x":    10,
		" 42":  10,
		"999999999999999999999999": 10,
	}
	for s, want := range cases {
		if got := AtoiDefault(s, 10); got != want {
			t.Fatalf("AtoiDefault(%q) = %d; want %d", s, got, want)
		}
	}
}

func TestParsePage(t *testing.T) {
	cases := []struct {
		offset, limit string
		want          Page
	}{
		{"", "", Page{0, 20}},
		{"5", "10", Page{5, 10}},
		{"-3", "0", Page{0, 1}},
		{"x", "500", Page{0, 100}},
		{"7", "abc", Page{7, 20}},
	}
	for _, tc := range cases {
		if got := ParsePage(tc.offset, tc.limit, 20, 100); got != tc.want {
			t.Fatalf("ParsePage(%q,%q) = %+v; want %+v", tc.offset, tc.limit, got, tc.want)
		}
	}
	if !(Page{0, 2}).HasNext(3) || (Page{1, 2}).HasNext(3) {
		t.Fatalf("HasNext boundary wrong")
	}
}

func TestWindow(t *testing.T) {
	cases := []struct {
		offset, limit, total int
		start, end           int
	}{
		{0, 10, 3, 0, 3},
		{5, 10, 12, 5, 12},
		{2, 2, 10, 2, 4},
		{-1, 2, 10, 0, 2},
		{20, 5, 10, 10, 10},
		{3, 0, 10, 3, 10},
	}
	for _, tc := range cases {
		s, e := Window(tc.offset, tc.limit, tc.total)
		if s != tc.start || e != tc.end {
			t.Fatalf("Window(%d,%d,%d) = %d,%d; want %d,%d", tc.offset, tc.limit, tc.total, s, e, tc.start, tc.end)
		}
	}
}
