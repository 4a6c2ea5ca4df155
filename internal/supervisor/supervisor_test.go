package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"switchboard/internal/engine"
)

// writeFakeApp writes a tiny shell script that plays the role of a
// supervised app for the duration of one test: it understands --getconf
// and otherwise just sleeps, never actually serving HTTP. Used for the
// non-client launch path and the rollback path.
func writeFakeApp(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeapp.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLaunchNonClientApp(t *testing.T) {
	path := writeFakeApp(t, "#!/bin/sh\n"+
		"if [ \"$1\" = \"--getconf\" ]; then echo '{}'; exit 0; fi\n"+
		"sleep 5\n")

	eng := engine.New(nil, nil)
	sup := New(eng, 9000, nil)
	prompt := func(string) (string, error) { return "", nil }

	app, err := sup.Launch(context.Background(), "fake", path, prompt)
	if err != nil {
		t.Fatal(err)
	}
	if app.ClientPort != 0 {
		t.Fatalf("expected no client port, got %d", app.ClientPort)
	}

	if err := sup.Kill("fake"); err != nil {
		t.Fatal(err)
	}
	if err := sup.Kill("fake"); err == nil {
		t.Fatal("expected error killing already-removed app")
	}
}

func TestLaunchRollsBackOnImmediateCrash(t *testing.T) {
	path := writeFakeApp(t, "#!/bin/sh\n"+
		"if [ \"$1\" = \"--getconf\" ]; then echo '{}'; exit 0; fi\n"+
		"exit 1\n")

	eng := engine.New(nil, nil)
	sup := New(eng, 9000, nil)
	prompt := func(string) (string, error) { return "", nil }

	if _, err := sup.Launch(context.Background(), "fake", path, prompt); err == nil {
		t.Fatal("expected launch to fail for a process that exits immediately")
	}
	if len(sup.apps) != 0 {
		t.Fatalf("expected no app record retained after rollback, got %v", sup.apps)
	}
}

func TestLaunchRollsBackWhenClientNeverComesUp(t *testing.T) {
	path := writeFakeApp(t, "#!/bin/sh\n"+
		`if [ "$1" = "--getconf" ]; then echo '{"Client port":{"args":["--port"],"kwargs":{}}}'; exit 0; fi`+"\n"+
		"sleep 5\n")

	eng := engine.New(nil, nil)
	sup := New(eng, 9000, nil)
	prompt := func(string) (string, error) { return "c1", nil }

	if _, err := sup.Launch(context.Background(), "fake", path, prompt); err == nil {
		t.Fatal("expected launch to fail when the client endpoint never answers")
	}
	if len(sup.apps) != 0 {
		t.Fatalf("expected no app record retained, got %v", sup.apps)
	}
	if len(eng.ClientAliases()) != 0 {
		t.Fatal("expected no client registered after rollback")
	}
}

func TestGetconfParseFailureRollsBack(t *testing.T) {
	path := writeFakeApp(t, "#!/bin/sh\necho 'not json'\nexit 0\n")

	eng := engine.New(nil, nil)
	sup := New(eng, 9000, nil)
	prompt := func(string) (string, error) { return "", nil }

	if _, err := sup.Launch(context.Background(), "fake", path, prompt); err == nil {
		t.Fatal("expected launch to fail on malformed --getconf output")
	}
	if len(sup.apps) != 0 {
		t.Fatalf("expected no app record retained after rollback, got %v", sup.apps)
	}
}
