package call

import "testing"

func TestTransferDetector_ShouldTransfer(t *testing.T) {
	d := NewTransferDetector(nil)

	tests := []struct {
		name     string
		response string
		matched  string
		want     bool
	}{
		{
			name:     "explicit handover",
			response: "Einen Moment bitte, ich verbinde Sie mit einem Mitarbeiter.",
			matched:  "verbinde sie",
			want:     true,
		},
		{
			name:     "emergency keyword case-insensitive",
			response: "Das klingt nach einem Notfall.",
			matched:  "notfall",
			want:     true,
		},
		{
			name:     "emergency number",
			response: "Bitte rufen Sie die Notrufnummer 112 an.",
			matched:  "112",
			want:     true,
		},
		{
			name:     "forwarding verb inflected",
			response: "Ich weiterleite Sie an die Praxis.",
			matched:  "weiterleite",
			want:     true,
		},
		{
			name:     "fuzzy match tolerates transcription drift",
			response: "Das ist ein Nottfall, bleiben Sie dran.",
			matched:  "notfall",
			want:     true,
		},
		{
			name:     "plain booking reply",
			response: "Gerne, wann hätten Sie denn Zeit für den Termin?",
			want:     false,
		},
		{
			name:     "empty response",
			response: "",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, got := d.ShouldTransfer(tt.response)
			if got != tt.want {
				t.Fatalf("ShouldTransfer(%q) = %v, want %v", tt.response, got, tt.want)
			}
			if got && matched != tt.matched {
				t.Errorf("matched phrase = %q, want %q", matched, tt.matched)
			}
		})
	}
}

func TestTransferDetector_EmergencyWinsOverPolitePhrasing(t *testing.T) {
	d := NewTransferDetector(nil)
	matched, ok := d.ShouldTransfer("Das ist ein Notfall, ich verbinde Sie.")
	if !ok || matched != "notfall" {
		t.Errorf("matched = %q, %v; want notfall first", matched, ok)
	}
}

func TestTransferDetector_CustomPhrases(t *testing.T) {
	d := NewTransferDetector([]string{"rückruf"})
	if _, ok := d.ShouldTransfer("Wir veranlassen einen Rückruf."); !ok {
		t.Error("custom phrase did not match")
	}
	if _, ok := d.ShouldTransfer("Ich verbinde Sie."); ok {
		t.Error("default phrase matched although a custom set was configured")
	}
}

func TestTransferDetector_DigitKeywordsMatchExactly(t *testing.T) {
	d := NewTransferDetector(nil)
	if _, ok := d.ShouldTransfer("Ihre Auftragsnummer ist 113."); ok {
		t.Error("unrelated number fuzzily matched the emergency number")
	}
}
