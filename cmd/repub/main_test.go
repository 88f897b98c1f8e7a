package main

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sampleArchive is a minimal single-page archive as saved by a browser.
func sampleArchive(title string) []byte {
	const boundary = "----MultipartBoundary--cli"
	var b strings.Builder
	b.WriteString("From: <Saved by Blink>\r\n")
	b.WriteString("Snapshot-Content-Location: https://example.com/post\r\n")
	b.WriteString("Subject: " + title + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/related; type=\"text/html\"; boundary=\"" + boundary + "\"\r\n\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("Content-Location: https://example.com/post\r\n\r\n")
	b.WriteString("<html><head><title>" + title + "</title></head><body><p>Some text.</p></body></html>\r\n")
	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func assertEPUB(t *testing.T, data []byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("not a zip: %v", err)
	}
	if len(zr.File) == 0 || zr.File[0].Name != "mimetype" {
		t.Fatal("mimetype is not the first entry")
	}
}

func runMain(t *testing.T, stdin []byte, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = realMain(args, bytes.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRealMain_Help(t *testing.T) {
	code, _, stderr := runMain(t, nil, "--help")
	if code != ExitSuccess {
		t.Errorf("exit = %d", code)
	}
	if !strings.Contains(stderr, "Usage: repub") || !strings.Contains(stderr, "--href-sim-thresh") {
		t.Errorf("usage not printed:\n%s", stderr)
	}
}

func TestRealMain_UsageErrors(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.mhtml", sampleArchive("A"))
	b := writeFile(t, dir, "b.mhtml", sampleArchive("B"))
	tests := []struct {
		name string
		args []string
	}{
		{"no inputs", nil},
		{"unknown flag", []string{"--nope", a}},
		{"bad quality", []string{"--quality", "0", a}},
		{"bad images", []string{"--images", "some", a}},
		{"-o with two inputs", []string{"-o", filepath.Join(dir, "x.epub"), a, b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runMain(t, nil, tt.args...)
			if code != ExitUsage {
				t.Errorf("exit = %d, want %d (stderr %q)", code, ExitUsage, stderr)
			}
			if !strings.HasPrefix(stderr, "Error: ") && tt.name != "unknown flag" {
				t.Errorf("stderr = %q", stderr)
			}
		})
	}
}

func TestRealMain_MissingInput(t *testing.T) {
	code, _, _ := runMain(t, nil, "--silent", filepath.Join(t.TempDir(), "missing.mhtml"))
	if code != ExitIO {
		t.Errorf("exit = %d, want %d", code, ExitIO)
	}
}

func TestRealMain_MalformedArchive(t *testing.T) {
	in := writeFile(t, t.TempDir(), "bad.mhtml", []byte("this is not an archive"))
	code, _, stderr := runMain(t, nil, "--silent", "-o", filepath.Join(t.TempDir(), "x.epub"), in)
	if code != ExitBadInput {
		t.Errorf("exit = %d, want %d", code, ExitBadInput)
	}
	if !strings.Contains(stderr, "malformed archive") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRealMain_ExplicitOutput(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "page.mhtml", sampleArchive("Hello"))
	out := filepath.Join(dir, "book.epub")
	code, stdout, stderr := runMain(t, nil, "-o", out, in)
	if code != ExitSuccess {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	assertEPUB(t, data)
	if !strings.Contains(stdout, "[1/1] page.mhtml") || !strings.Contains(stdout, "✓ "+out) {
		t.Errorf("progress = %q", stdout)
	}
}

func TestRealMain_DefaultOutputNames(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "one.mhtml", sampleArchive("Hello World"))
	writeFile(t, dir, "two.mhtml", sampleArchive("Second Story!"))
	code, _, stderr := runMain(t, nil, "--silent", "-j", "2", "one.mhtml", "two.mhtml")
	if code != ExitSuccess {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	for _, name := range []string{"hello-world.epub", "second-story.epub"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s not written: %v", name, err)
			continue
		}
		assertEPUB(t, data)
	}
}

func TestRealMain_SameTitleOutputs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "a.mhtml", sampleArchive("Same"))
	writeFile(t, dir, "b.mhtml", sampleArchive("Same"))
	writeFile(t, dir, "c.mhtml", sampleArchive("Same"))
	code, _, stderr := runMain(t, nil, "--silent", "-j", "3", "a.mhtml", "b.mhtml", "c.mhtml")
	if code != ExitSuccess {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	for _, name := range []string{"same.epub", "same-2.epub", "same-3.epub"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s not written: %v", name, err)
			continue
		}
		assertEPUB(t, data)
	}
}

func TestRealMain_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "good.mhtml", sampleArchive("Good"))
	writeFile(t, dir, "bad.mhtml", []byte("garbage"))
	code, _, stderr := runMain(t, nil, "--silent", "bad.mhtml", "good.mhtml")
	if code != ExitBadInput {
		t.Errorf("exit = %d, want %d", code, ExitBadInput)
	}
	if !strings.Contains(stderr, "bad.mhtml") {
		t.Errorf("failing input not named: %q", stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "good.epub")); err != nil {
		t.Error("good archive not converted")
	}
}

func TestRealMain_Stdio(t *testing.T) {
	code, stdout, stderr := runMain(t, sampleArchive("Piped"), "-o", "-", "-")
	if code != ExitSuccess {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	assertEPUB(t, []byte(stdout))
}

func TestRealMain_Silent(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "page.mhtml", sampleArchive("Quiet"))
	code, stdout, stderr := runMain(t, nil, "--silent", "-o", filepath.Join(dir, "q.epub"), in)
	if code != ExitSuccess || stdout != "" || stderr != "" {
		t.Errorf("exit %d, stdout %q, stderr %q", code, stdout, stderr)
	}
}

func TestRealMain_VerboseLogs(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "page.mhtml", sampleArchive("Loud"))
	code, _, stderr := runMain(t, nil, "-v", "-o", filepath.Join(dir, "l.epub"), in)
	if code != ExitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(stderr, "DEBUG") || !strings.Contains(stderr, "converted archive") {
		t.Errorf("stderr = %q", stderr)
	}
}
