package smalldb

import (
	"bytes"
	"testing"

	"github.com/distr1/hdrcache/digest"
	"github.com/distr1/hdrcache/envelope"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTest(t)
	d := digest.Sum([]byte("hello"))
	env := envelope.Wrap([]byte("world"), 10)

	if err := db.Put(d, env); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Get ok = false, want true")
	}
	if !bytes.Equal(got, env) {
		t.Errorf("Get = %x, want %x", got, env)
	}
}

func TestGetMiss(t *testing.T) {
	db := openTest(t)
	_, ok, err := db.Get(digest.Sum([]byte("absent")))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Get ok = true for absent key")
	}
}

func TestDelMissingIsNotError(t *testing.T) {
	db := openTest(t)
	if err := db.Del(digest.Sum([]byte("absent"))); err != nil {
		t.Errorf("Del on missing entry returned error: %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	db := openTest(t)
	d := digest.Sum([]byte("key"))

	if err := db.Put(d, envelope.Wrap([]byte("v1"), 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(d, envelope.Wrap([]byte("v2"), 2)); err != nil {
		t.Fatal(err)
	}
	got, _, err := db.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	value, _, _, err := envelope.Unwrap(got, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "v2" {
		t.Errorf("value = %q, want %q", value, "v2")
	}
}

func TestTouchATime(t *testing.T) {
	db := openTest(t)
	d := digest.Sum([]byte("key"))
	if err := db.Put(d, envelope.Wrap([]byte("value"), 5)); err != nil {
		t.Fatal(err)
	}

	if err := db.TouchATime(d, 20); err != nil {
		t.Fatal(err)
	}

	got, _, err := db.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	mtime, atime, ok := envelope.Header(got)
	if !ok {
		t.Fatal("Header() ok = false")
	}
	if mtime != 5 {
		t.Errorf("mtime = %d, want unchanged 5", mtime)
	}
	if atime != 20 {
		t.Errorf("atime = %d, want 20", atime)
	}
}

func TestCleanRemovesExpiredOnly(t *testing.T) {
	db := openTest(t)
	fresh := digest.Sum([]byte("fresh"))
	aged := digest.Sum([]byte("aged"))

	if err := db.Put(fresh, envelope.Wrap([]byte("v"), 100)); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(aged, envelope.Wrap([]byte("v"), 10)); err != nil {
		t.Fatal(err)
	}

	if err := db.Clean(7, 100); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := db.Get(fresh); !ok {
		t.Error("fresh entry removed by Clean")
	}
	if _, ok, _ := db.Get(aged); ok {
		t.Error("aged entry survived Clean")
	}
}
