package satchel

import (
	"testing"
	"time"
)

func TestParseAutoLockTimeout(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"20min", 20 * time.Minute, false},
		{"1min", time.Minute, false},
		{"90min", 90 * time.Minute, false},
		{"1h", time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"never", 0, false},
		{"", DefaultAutoLockTimeout, false},
		{"20", 0, true},
		{"min", 0, true},
		{"-5min", 0, true},
		{"20 min", 0, true},
		{"20m", 0, true},
		{"1d", 0, true},
		{"0min", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAutoLockTimeout(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAutoLockTimeout(%q) accepted invalid input", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAutoLockTimeout(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("ParseAutoLockTimeout(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestOptionsValidateFillsDefaults(t *testing.T) {
	o := Options{}
	if err := o.Validate(); err != nil {
		t.Fatalf("empty options rejected: %v", err)
	}
	if o.PinAttemptThreshold != DefaultPinAttemptThreshold {
		t.Fatalf("threshold = %d", o.PinAttemptThreshold)
	}
	if o.MinRefreshInterval != DefaultMinRefreshInterval || o.RefreshSafetyWindow != DefaultRefreshSafetyWindow {
		t.Fatalf("refresh defaults not applied: %+v", o)
	}
	if o.ProfileID != "default" {
		t.Fatalf("profile = %q", o.ProfileID)
	}
}

func TestOptionsValidateRejectsBadValues(t *testing.T) {
	o := Options{AutoLockTimeout: "soon"}
	if err := o.Validate(); err == nil {
		t.Fatal("accepted invalid timeout syntax")
	}

	o = Options{PinAttemptThreshold: -1}
	if err := o.Validate(); err == nil {
		t.Fatal("accepted negative PIN threshold")
	}

	o = Options{MinRefreshInterval: -time.Second}
	if err := o.Validate(); err == nil {
		t.Fatal("accepted negative refresh interval")
	}
}
