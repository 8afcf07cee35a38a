package session

import (
	"testing"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/translation"
)

func TestNew_Defaults(t *testing.T) {
	s := New("", Config{Format: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}})

	if len(s.ID) != 26 {
		t.Errorf("Expected a 26 character ULID, got %q", s.ID)
	}
	if s.TargetLanguage != translation.Disabled {
		t.Errorf("Expected target %q, got %q", translation.Disabled, s.TargetLanguage)
	}
	if s.TranslationEnabled() {
		t.Error("Expected translation to be disabled")
	}
	if s.State() != StateActive {
		t.Errorf("Expected state active, got %s", s.State())
	}
}

func TestNew_NormalizesTarget(t *testing.T) {
	s := New("abc", Config{TargetLanguage: " ES "})

	if s.ID != "abc" {
		t.Errorf("Expected id abc, got %q", s.ID)
	}
	if s.TargetLanguage != "es" {
		t.Errorf("Expected target es, got %q", s.TargetLanguage)
	}
	if !s.TranslationEnabled() {
		t.Error("Expected translation to be enabled")
	}
}

func TestAdvance_Monotonic(t *testing.T) {
	s := New("abc", Config{})

	if err := s.Advance(StateEnding); err != nil {
		t.Fatalf("Advance to ending failed: %v", err)
	}
	if err := s.Advance(StateEnding); err != nil {
		t.Errorf("Expected staying in ending to be a no-op, got %v", err)
	}
	if err := s.Advance(StateActive); err == nil {
		t.Error("Expected moving back to active to fail")
	}
	if err := s.Advance(StateClosed); err != nil {
		t.Fatalf("Advance to closed failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("Duplicate id %s", id)
		}
		seen[id] = true
	}
}
