package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestIncludeExcludeMostRecentWins(t *testing.T) {
	rs := newRuleSet()
	if err := rs.add("main.go:*", actionInclude); err != nil {
		t.Fatal(err)
	}
	if matched, include := rs.evaluate("main.go:Foo"); !matched || !include {
		t.Fatalf("expected included, got matched=%v include=%v", matched, include)
	}

	if err := rs.add("main.go:*", actionExclude); err != nil {
		t.Fatal(err)
	}
	if matched, include := rs.evaluate("main.go:Foo"); !matched || include {
		t.Fatalf("expected excluded after newer rule, got matched=%v include=%v", matched, include)
	}
}

func TestNoMatchFallsBackToVerbosity(t *testing.T) {
	rs := newRuleSet()
	matched, _ := rs.evaluate("unrelated.go:Bar")
	if matched {
		t.Fatal("expected no rule to match")
	}
}

func TestClearRulesResetsCache(t *testing.T) {
	rs := newRuleSet()
	rs.add("x.go:*", actionExclude)
	rs.evaluate("x.go:Y") // populate cache
	rs.clear()
	matched, _ := rs.evaluate("x.go:Y")
	if matched {
		t.Fatal("expected no match after clear")
	}
}

func TestLoggerFileBackendWritesFilteredEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dsmed.log")

	l := New()
	if err := l.Open(MethodFile, NOTICE, "dsmed", path); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Log(DEBUG, "x.go", "Debug", "should be filtered")
	l.Log(NOTICE, "x.go", "Notice", "visible %d", 42)
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "should be filtered") {
		t.Fatal("debug entry above verbosity should have been filtered")
	}
	if !strings.Contains(out, "visible 42") {
		t.Fatalf("expected notice entry in output, got: %q", out)
	}
}

func TestLoggerOverflowEmitsLostNotice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dsmed.log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fd, err := unix.Eventfd(0, 0)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(fd)

	// Set the logger up as Open does for MethodFile but without starting
	// the writer goroutine, so the eventfd is signaled and nothing reads
	// it: the consumer is blocked while ringCapacity+50 calls are issued.
	// The ring keeps ringCapacity entries and drops the last 50; draining
	// afterwards delivers the buffered entries plus one synthetic
	// "messages lost" entry.
	l := New()
	l.method = MethodFile
	l.verbosity = DEBUG
	l.file = f
	l.eventfd = fd

	for i := 0; i < ringCapacity+50; i++ {
		l.Log(NOTICE, "y.go", "Flood", "msg %d", i)
	}
	l.drain()
	f.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "messages lost") {
		t.Fatalf("expected an overflow notice in output: %q", out)
	}
}
