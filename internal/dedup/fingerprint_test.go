package dedup

import (
	"regexp"
	"testing"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()

	a := Fingerprint("db1", "low", "cpu", "cpu at [percentage] at [time]")
	b := Fingerprint("db1", "low", "cpu", "cpu at [percentage] at [time]")
	if a != b {
		t.Errorf("identical fields produced different fingerprints: %s vs %s", a, b)
	}
	if !hexRe.MatchString(a) {
		t.Errorf("fingerprint %q is not 64 lowercase hex chars", a)
	}
}

func TestFingerprint_DistinctFields(t *testing.T) {
	t.Parallel()

	base := Fingerprint("db1", "low", "cpu", "msg")
	variants := []string{
		Fingerprint("db2", "low", "cpu", "msg"),
		Fingerprint("db1", "high", "cpu", "msg"),
		Fingerprint("db1", "low", "memory", "msg"),
		Fingerprint("db1", "low", "cpu", "other"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base fingerprint", i)
		}
	}
}

func TestFingerprint_FieldValuesNotInterchangeable(t *testing.T) {
	t.Parallel()

	// Swapping values between fields must change the hash: the canonical
	// form keys each value by field name.
	a := Fingerprint("db1", "low", "cpu", "msg")
	b := Fingerprint("low", "db1", "cpu", "msg")
	if a == b {
		t.Error("swapped service/severity produced the same fingerprint")
	}
}

func TestFingerprint_EmptyFields(t *testing.T) {
	t.Parallel()

	a := Fingerprint("", "", "", "")
	b := Fingerprint("", "", "", "")
	if a != b {
		t.Error("empty fields are not deterministic")
	}
	if !hexRe.MatchString(a) {
		t.Errorf("fingerprint %q is not 64 lowercase hex chars", a)
	}
}
