package keybuilder

import "testing"

func TestKeyDiffersBySize(t *testing.T) {
	a := Key("pkg-1.0-1.x86_64.rpm", 1000, 1700000000)
	b := Key("pkg-1.0-1.x86_64.rpm", 1001, 1700000000)
	if string(a) == string(b) {
		t.Error("keys with different sizes must differ")
	}
}

func TestKeyDiffersByMtime(t *testing.T) {
	a := Key("pkg-1.0-1.x86_64.rpm", 1000, 1700000000)
	b := Key("pkg-1.0-1.x86_64.rpm", 1000, 1700000001)
	if string(a) == string(b) {
		t.Error("keys with different mtimes must differ")
	}
}

func TestKeyStableForSameInputs(t *testing.T) {
	a := Key("pkg-1.0-1.x86_64.rpm", 1000, 1700000000)
	b := Key("pkg-1.0-1.x86_64.rpm", 1000, 1700000000)
	if string(a) != string(b) {
		t.Error("Key must be deterministic")
	}
}

func TestKeyContainsNULSeparatedName(t *testing.T) {
	k := Key("name", 1, 2)
	if k[len("name")] != 0 {
		t.Error("expected a NUL byte immediately after the name")
	}
}
