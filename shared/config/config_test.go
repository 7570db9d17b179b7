package config

import (
	"testing"
	"time"
)

func TestGet(t *testing.T) {
	t.Setenv("WORKSIE_TEST_STR", "value")
	if got := Get("WORKSIE_TEST_STR", "def"); got != "value" {
		t.Errorf("Get = %q", got)
	}
	if got := Get("WORKSIE_TEST_MISSING", "def"); got != "def" {
		t.Errorf("Get default = %q", got)
	}
}

func TestGetInt(t *testing.T) {
	t.Setenv("WORKSIE_TEST_INT", "42")
	if got := GetInt("WORKSIE_TEST_INT", 7); got != 42 {
		t.Errorf("GetInt = %d", got)
	}
	t.Setenv("WORKSIE_TEST_INT", "not-a-number")
	if got := GetInt("WORKSIE_TEST_INT", 7); got != 7 {
		t.Errorf("GetInt bad value = %d, want default", got)
	}
}

func TestGetFloat(t *testing.T) {
	t.Setenv("WORKSIE_TEST_FLOAT", "0.25")
	if got := GetFloat("WORKSIE_TEST_FLOAT", 0.1); got != 0.25 {
		t.Errorf("GetFloat = %v", got)
	}
}

func TestGetBool(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
	}
	for _, tt := range tests {
		t.Setenv("WORKSIE_TEST_BOOL", tt.raw)
		if got := GetBool("WORKSIE_TEST_BOOL", !tt.want); got != tt.want {
			t.Errorf("GetBool(%q) = %v", tt.raw, got)
		}
	}
	if got := GetBool("WORKSIE_TEST_BOOL_MISSING", true); !got {
		t.Error("GetBool missing should return default")
	}
}

func TestGetDuration(t *testing.T) {
	t.Setenv("WORKSIE_TEST_DUR", "15m")
	if got := GetDuration("WORKSIE_TEST_DUR", time.Second); got != 15*time.Minute {
		t.Errorf("GetDuration = %v", got)
	}
	t.Setenv("WORKSIE_TEST_DUR", "garbage")
	if got := GetDuration("WORKSIE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("GetDuration bad value = %v, want default", got)
	}
}
