package swbconfig

import (
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	s := New()
	if s.Get(KeyPollPeriod) != "1.0" {
		t.Fatalf("default poll_period = %v", s.Get(KeyPollPeriod))
	}
}

func TestSetPollPeriodValidation(t *testing.T) {
	s := New()
	if err := s.SetPollPeriod("0.05"); err == nil {
		t.Fatal("expected rejection of poll_period <= 0.1")
	}
	if err := s.SetPollPeriod("2.5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Get(KeyPollPeriod) != "2.5" {
		t.Fatalf("got %v", s.Get(KeyPollPeriod))
	}
}

func TestSetWSPortValidation(t *testing.T) {
	s := New()
	if err := s.SetWSPort(0); err == nil {
		t.Fatal("expected rejection of ws_port=0")
	}
	if err := s.SetWSPort(70000); err == nil {
		t.Fatal("expected rejection of ws_port>=65536")
	}
	if err := s.SetWSPort(8080); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swb.json")

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Get(KeyPollPeriod) != "1.0" {
		t.Fatalf("got %v", s.Get(KeyPollPeriod))
	}

	// Reload should succeed now that the file exists.
	s2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Get(KeyPollPeriod) != "1.0" {
		t.Fatalf("got %v", s2.Get(KeyPollPeriod))
	}
}

func TestLoadRejectsInvalidPollPeriod(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swb.json")

	s := New()
	s.path = path
	s.doc.PollPeriod = "0.01" // invalid, bypassing SetPollPeriod's own guard
	if err := s.save(); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected fatal validation error on reload")
	}
}

func TestChangeHandlerFiresOnMutation(t *testing.T) {
	s := New()
	fired := 0
	s.RegisterChangeHandler(func() { fired++ })

	s.AddClient("c1", "http://x", "")
	s.AddModule("pkg.Mod")
	s.RemoveModule("pkg.Mod")
	s.SetRunning(true)

	if fired != 4 {
		t.Fatalf("expected 4 notifications, got %d", fired)
	}
}

func TestRemoveMissingClientDoesNotNotify(t *testing.T) {
	s := New()
	fired := 0
	s.RegisterChangeHandler(func() { fired++ })
	s.RemoveClient("nope")
	if fired != 0 {
		t.Fatalf("expected no notification for removing an absent client, got %d", fired)
	}
}
