package schedule

import (
	"testing"
	"time"
)

func TestComputeNext(t *testing.T) {
	now := time.Date(2025, time.March, 10, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name      string
		frequency Frequency
		wantDate  time.Time
	}{
		{"daily is 24h out", FrequencyDaily, time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)},
		{"weekly is 7d out", FrequencyWeekly, time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC)},
		// biweekly is deliberately 3 days, not two weeks. Subscribers
		// rely on the existing behavior; see Frequency.Interval.
		{"biweekly is 3d out", FrequencyBiweekly, time.Date(2025, time.March, 13, 9, 0, 0, 0, time.UTC)},
		{"unknown value behaves as weekly", Frequency("hourly"), time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC)},
		{"empty value behaves as weekly", Frequency(""), time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeNext(now, tt.frequency)
			if !got.Equal(tt.wantDate) {
				t.Errorf("ComputeNext(%v, %q) = %v, want %v", now, tt.frequency, got, tt.wantDate)
			}
		})
	}
}

func TestComputeNextNormalizesToNineLocal(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, time.June, 1, 23, 59, 59, 0, loc)

	for _, f := range []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyBiweekly} {
		got := ComputeNext(now, f)
		if got.Hour() != 9 || got.Minute() != 0 || got.Second() != 0 {
			t.Errorf("ComputeNext(%q) time-of-day = %02d:%02d:%02d, want 09:00:00",
				f, got.Hour(), got.Minute(), got.Second())
		}
		if got.Location() != loc {
			t.Errorf("ComputeNext(%q) location = %v, want %v", f, got.Location(), loc)
		}
	}
}

func TestFrequencyValid(t *testing.T) {
	for _, f := range []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyBiweekly} {
		if !f.Valid() {
			t.Errorf("expected %q to be valid", f)
		}
	}
	for _, f := range []Frequency{"", "monthly", "Daily"} {
		if f.Valid() {
			t.Errorf("expected %q to be invalid", f)
		}
	}
}

func TestTriggerValidate(t *testing.T) {
	valid := Trigger{
		UserID:     "u1",
		Email:      "a@x.com",
		Categories: []string{"technology"},
		Frequency:  FrequencyDaily,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid trigger, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Trigger)
	}{
		{"missing user id", func(tr *Trigger) { tr.UserID = "" }},
		{"missing email", func(tr *Trigger) { tr.Email = "" }},
		{"empty categories", func(tr *Trigger) { tr.Categories = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid
			tt.mutate(&tr)
			if err := tr.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
