package version

import (
	"strings"
	"testing"
)

func TestVersionCode(t *testing.T) {
	orig := Code
	defer func() { Code = orig }()

	tests := []struct {
		code string
		want int32
	}{
		{"27000", 27000},
		{"0", 0},
		{"dev", 0},
		{"99999999999", 0},
	}
	for _, tt := range tests {
		Code = tt.code
		if got := VersionCode(); got != tt.want {
			t.Errorf("VersionCode() with Code=%q = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestInfo(t *testing.T) {
	if !strings.HasPrefix(Info(), "rootd "+Version) {
		t.Errorf("Info() = %q", Info())
	}
}
