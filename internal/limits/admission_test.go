package limits

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestAdmission(t *testing.T, cfg AdmissionConfig) *Admission {
	t.Helper()
	a := NewAdmission(cfg, zerolog.Nop())
	t.Cleanup(a.Stop)
	return a
}

func TestAdmissionPerIP(t *testing.T) {
	a := newTestAdmission(t, AdmissionConfig{
		PerIPRate:   1,
		PerIPBurst:  2,
		GlobalRate:  1000,
		GlobalBurst: 1000,
	})

	for i := 0; i < 2; i++ {
		if ok, reason := a.Allow("10.0.0.1"); !ok {
			t.Fatalf("attempt %d should pass, got %s", i+1, reason)
		}
	}

	ok, reason := a.Allow("10.0.0.1")
	if ok {
		t.Fatal("third rapid attempt from one ip should be rejected")
	}
	if reason != "ip_rate" {
		t.Errorf("expected ip_rate, got %s", reason)
	}

	// A different address still has its own burst.
	if ok, reason := a.Allow("10.0.0.2"); !ok {
		t.Fatalf("other ip should pass, got %s", reason)
	}
}

func TestAdmissionGlobal(t *testing.T) {
	a := newTestAdmission(t, AdmissionConfig{
		PerIPRate:   100,
		PerIPBurst:  100,
		GlobalRate:  1,
		GlobalBurst: 1,
	})

	if ok, _ := a.Allow("10.0.0.1"); !ok {
		t.Fatal("first attempt should pass")
	}

	ok, reason := a.Allow("10.0.0.2")
	if ok {
		t.Fatal("global bucket should be exhausted")
	}
	if reason != "global_rate" {
		t.Errorf("expected global_rate, got %s", reason)
	}
}
