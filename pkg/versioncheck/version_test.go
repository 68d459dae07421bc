package versioncheck

import (
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1.0.0"},
		{"1.2", "1.2.0"},
		{"1.2.3", "1.2.3"},
		{"v1.2.3", "1.2.3"},
		{"V2.0", "2.0.0"},
		{"1.2.3.4", "1.2.3.4"},
		{" 1.0.0 ", "1.0.0"},
		{"1.2.3-beta.1", "1.2.3-beta.1"},
	}
	for _, tc := range tests {
		v, err := ParseVersion(tc.in)
		if err != nil {
			t.Errorf("ParseVersion(%q) error = %v", tc.in, err)
			continue
		}
		if v.String() != tc.want {
			t.Errorf("ParseVersion(%q) = %s, want %s", tc.in, v, tc.want)
		}
	}

	for _, bad := range []string{"", "v", "abc", "1..2", "1.2.3.4.5", "1.x"} {
		if _, err := ParseVersion(bad); !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("ParseVersion(%q) err = %v, want ErrInvalidVersion", bad, err)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"1.0.0.2", "1.0.0.1", 1},
		{"1.0.0-rc.1", "1.0.0", -1},
	}
	for _, tc := range tests {
		a, _ := ParseVersion(tc.a)
		b, _ := ParseVersion(tc.b)
		if got := a.Compare(b); got != tc.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast("1.2.0", "1.1.0") {
		t.Error("AtLeast(1.2.0, 1.1.0) = false")
	}
	if AtLeast("1.0.0", "1.1.0") {
		t.Error("AtLeast(1.0.0, 1.1.0) = true")
	}
	if AtLeast("garbage", "0.0.0") || AtLeast("1.0.0", "garbage") {
		t.Error("unparseable version satisfied AtLeast")
	}
}
