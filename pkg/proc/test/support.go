package test

import (
	"crypto/rand"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
	// Entry is the entry point address of the binary.
	Entry uint64
}

// Fixtures is a map of Fixture.Name to Fixture.
var Fixtures map[string]Fixture = make(map[string]Fixture)

func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// MustSupportPtrace skips the test unless it runs on linux/amd64.
func MustSupportPtrace(t testing.TB) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skipf("ptrace tests need linux/amd64, running on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}

// compiler returns the C compiler used to build fixtures.
func compiler() (string, error) {
	if cc := os.Getenv("CC"); cc != "" {
		return exec.LookPath(cc)
	}
	for _, cc := range []string{"cc", "gcc", "clang"} {
		if path, err := exec.LookPath(cc); err == nil {
			return path, nil
		}
	}
	return "", exec.ErrNotFound
}

// BuildFixture compiles _fixtures/<name>.c into a static executable that
// does not depend on the C library. The test is skipped when no C
// compiler is available.
func BuildFixture(t testing.TB, name string) Fixture {
	if f, ok := Fixtures[name]; ok {
		return f
	}
	MustSupportPtrace(t)
	cc, err := compiler()
	if err != nil {
		t.Skipf("no C compiler available: %v", err)
	}

	fixturesDir := FindFixturesDir()

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(fixturesDir, name+".c")
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	cmd := exec.Command(cc, "-nostdlib", "-static", "-no-pie", "-O0", "-o", tmpfile, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Error compiling %s: %s\n%s", path, err, out)
	}

	ef, err := elf.Open(tmpfile)
	if err != nil {
		t.Fatalf("could not open fixture %s: %v", tmpfile, err)
	}
	entry := ef.Entry
	ef.Close()

	source, _ := filepath.Abs(path)
	source = filepath.ToSlash(source)

	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source, Entry: entry}
	return Fixtures[name]
}

// RunTestsWithFixtures will run the tests and delete the fixture binaries
// they built before exiting.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}
