package keyed

import (
	"encoding/json"
	"testing"
)

func TestLevelOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p    Priority
		want Level
	}{
		{-5, LevelLow},
		{0, LevelLow},
		{1, LevelNormal},
		{2, LevelHigh},
		{3, LevelCritical},
		{4, LevelEmergency},
		{99, LevelEmergency},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.p); got != tt.want {
			t.Fatalf("LevelOf(%d) = %v, want %v", tt.p, got, tt.want)
		}
	}
	for _, l := range Levels {
		if LevelOf(l.Priority()) != l {
			t.Fatalf("round trip failed for %v", l)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	l, err := ParseLevel(" Critical ")
	if err != nil || l != LevelCritical {
		t.Fatalf("ParseLevel = %v, %v", l, err)
	}
	if _, err := ParseLevel("urgent"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevelMapKeysMarshalAsNames(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(map[Level]int{LevelHigh: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"high":1}` {
		t.Fatalf("got %s", b)
	}
	var back map[Level]int
	if err := json.Unmarshal(b, &back); err != nil || back[LevelHigh] != 1 {
		t.Fatalf("unmarshal: %v %v", back, err)
	}
}
