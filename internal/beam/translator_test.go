package beam

import "testing"

func TestTranslatorDefaults(t *testing.T) {
	tr := NewTranslator(DefaultRegistrations()...)

	tests := []struct {
		wire   string
		want   string
		wantOK bool
	}{
		{"WelcomeEvent", eventWelcome, true},
		{"ChatMessage", eventChat, true},
		{"welcome", eventWelcome, true},
		{"message", eventChat, true},
		{"UserJoin", "", false},
		{"", "", false},
		{"Welcome", "", false},
		{"welcomeEvent", "", false},
	}

	for _, tt := range tests {
		got, ok := tr.Translate(tt.wire)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Translate(%q) = (%q, %v), want (%q, %v)", tt.wire, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTranslatorFirstMatchWins(t *testing.T) {
	tr := NewTranslator(
		Registration{EventName: "first", MatchPattern: "dup"},
		Registration{EventName: "second", MatchPattern: "dup"},
	)

	if got, _ := tr.Translate("dup"); got != "first" {
		t.Fatalf("Translate(dup) = %q, want first", got)
	}
}

func TestTranslatorRegistrationsAreFixed(t *testing.T) {
	regs := []Registration{{EventName: "a", MatchPattern: "A"}}
	tr := NewTranslator(regs...)

	regs[0].MatchPattern = "changed"

	if got, ok := tr.Translate("A"); !ok || got != "a" {
		t.Fatalf("Translate(A) = (%q, %v), want (a, true)", got, ok)
	}
}
