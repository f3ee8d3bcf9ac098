package worker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prologin/stechec-cluster/pkg/types"
)

func TestParseScores(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   []types.Score
	}{
		{
			name:   "two players",
			stdout: "1 42 0\n2 -1 3\n",
			want: []types.Score{
				{MatchPlayerID: 1, Score: 42},
				{MatchPlayerID: 2, Score: -1},
			},
		},
		{
			name:   "noise around verdicts",
			stdout: "starting up\n1 10 0\nsome log line\n2 20 1\ndone\n",
			want: []types.Score{
				{MatchPlayerID: 1, Score: 10},
				{MatchPlayerID: 2, Score: 20},
			},
		},
		{
			name:   "crlf line endings",
			stdout: "1 5 0\r\n",
			want:   []types.Score{{MatchPlayerID: 1, Score: 5}},
		},
		{
			name:   "no verdicts",
			stdout: "referee crashed before judging\n",
			want:   nil,
		},
		{
			name:   "partial line is not a verdict",
			stdout: "1 42\n1 42 0 extra\nx 1 2\n",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseScores([]byte(tt.stdout))
			if len(got) != len(tt.want) {
				t.Fatalf("scores: got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("score %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFlattenOptionsIsDeterministic(t *testing.T) {
	opts := map[string]string{"--map": "big", "--seed": "7", "--debug": "1"}
	want := []string{"--debug", "1", "--map", "big", "--seed", "7"}

	got := flattenOptions(opts)
	if len(got) != len(want) {
		t.Fatalf("args: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if flattenOptions(nil) != nil {
		t.Error("nil options must produce no args")
	}
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestUntar(t *testing.T) {
	dir := t.TempDir()
	archive := makeTarGz(t, map[string]string{
		"champion.so":     "binary blob",
		"src/prologin.cc": "int main() {}",
	})

	if err := untar(archive, dir); err != nil {
		t.Fatalf("untar: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "champion.so"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "binary blob" {
		t.Errorf("extracted content: got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "src", "prologin.cc")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestUntarRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := makeTarGz(t, map[string]string{"../evil.sh": "rm -rf /"})

	if err := untar(archive, dir); err == nil {
		t.Fatal("path traversal entry must be rejected")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "evil.sh")); err == nil {
		t.Fatal("escaping file was written")
	}
}

func TestUntarRejectsGarbage(t *testing.T) {
	if err := untar([]byte("not a gzip stream"), t.TempDir()); err == nil {
		t.Error("garbage archive must be rejected")
	}
}

func TestGzipBytesRoundtrip(t *testing.T) {
	raw := []byte("match dump payload")
	packed, err := gzipBytes(raw)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		t.Fatalf("reopen gzip: %v", err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(gz); err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), raw) {
		t.Errorf("roundtrip: got %q, want %q", out.Bytes(), raw)
	}
}

func TestCommunicateCapturesOutputAndExit(t *testing.T) {
	res := communicate(context.Background(), command{
		argv:   []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"},
		maxOut: 1 << 20,
	})
	if res.err != nil {
		t.Fatalf("communicate: %v", res.err)
	}
	if res.exitCode != 3 {
		t.Errorf("exit code: got %d, want 3", res.exitCode)
	}
	out := string(res.output)
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("merged output: got %q", out)
	}
}

func TestCommunicateTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := communicate(ctx, command{
		argv:   []string{"/bin/sh", "-c", "sleep 10"},
		maxOut: 1 << 10,
	})
	if !res.timedOut {
		t.Fatalf("expected timeout, got exit %d err %v", res.exitCode, res.err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("deadline not enforced, took %s", elapsed)
	}
}

func TestCommunicateTruncatesWithMarker(t *testing.T) {
	res := communicate(context.Background(), command{
		argv:   []string{"/bin/sh", "-c", "yes x | head -c 1024"},
		maxOut: 64,
		mark:   truncateMarker,
	})
	if res.err != nil {
		t.Fatalf("communicate: %v", res.err)
	}
	if !strings.HasSuffix(string(res.output), truncateMarker) {
		t.Errorf("truncated output must end with the marker, got %q", res.output)
	}
	if len(res.output) > 64+len(truncateMarker) {
		t.Errorf("output not capped: %d bytes", len(res.output))
	}
}

func TestCommunicateMissingBinary(t *testing.T) {
	res := communicate(context.Background(), command{
		argv:   []string{"/no/such/binary"},
		maxOut: 1 << 10,
	})
	if res.err == nil {
		t.Error("missing binary must surface an error")
	}
}
