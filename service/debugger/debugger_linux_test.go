package debugger

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/xdb-debugger/xdb/service/api"
)

func TestVerifyBinaryFormat(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain")
	assertNoError(os.WriteFile(plain, []byte("data"), 0644), t, "WriteFile")
	if err := verifyBinaryFormat(plain); err == nil {
		t.Fatalf("non executable file accepted")
	}

	script := filepath.Join(dir, "script")
	assertNoError(os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0755), t, "WriteFile")
	if err := verifyBinaryFormat(script); err != api.ErrNotExecutable {
		t.Fatalf("script: expected ErrNotExecutable, got %v", err)
	}

	if runtime.GOARCH == "amd64" {
		exe, err := os.Executable()
		assertNoError(err, t, "Executable")
		assertNoError(verifyBinaryFormat(exe), t, "verifyBinaryFormat(test binary)")
	}
}

func TestNewWithoutProgram(t *testing.T) {
	if _, err := New(&Config{}, nil); err == nil {
		t.Fatal("launching nothing succeeded")
	}
}
