package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	insertEnvelope = `{"op":"c","ts_ms":1714564800000,"after":"{\"_id\":{\"$oid\":\"65f0c0ffee\"},\"name\":\"Alice\"}"}`
	updateEnvelope = `{"op":"u","after":"{\"_id\":\"u-1\",\"name\":\"Bob\"}"}`
)

func TestNormalize_InlineInsert(t *testing.T) {
	out, _, err := execute(t, "normalize", "--topic", "poc.poc.users", "--input", insertEnvelope)
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	for _, want := range []string{
		"#1 key: users:65f0c0ffee",
		`"eventType": "INSERT"`,
		`"name": "Alice"`,
		`"source": "mongodb-debezium"`,
		"1 envelope(s), 1 normalized, 0 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNormalize_FileWithSkips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envelopes.jsonl")
	content := insertEnvelope + "\n" + updateEnvelope + "\n\nnot json\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "normalize", "--topic", "poc.poc.orders", "--input", path)
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	for _, want := range []string{
		"#1 key: orders:65f0c0ffee",
		"#2 skipped (filtered)",
		"#3 skipped (malformed)",
		"3 envelope(s), 1 normalized, 2 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNormalize_Operations(t *testing.T) {
	out, _, err := execute(t, "normalize", "--input", updateEnvelope, "--operations", "c,u", "--origin", "replay")
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	if !strings.Contains(out, `"eventType": "UPDATE"`) || !strings.Contains(out, `"source": "replay"`) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestNormalize_Expression(t *testing.T) {
	out, _, err := execute(t, "normalize", "--topic", "poc.poc.audit", "--input", insertEnvelope,
		"--expression", "op == 'c' && collection != 'audit'")
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	if !strings.Contains(out, "#1 skipped (filtered)") {
		t.Errorf("audit insert should be filtered:\n%s", out)
	}
}

func TestNormalize_Stdin(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(updateEnvelope + "\n" + insertEnvelope + "\n"))
	cmd.SetArgs([]string{"normalize", "--input", "-"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	if !strings.Contains(out.String(), "2 envelope(s), 1 normalized, 1 skipped") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing input", []string{"normalize"}, "input"},
		{"conflicting filter", []string{"normalize", "--input", insertEnvelope, "--operations", "c", "--expression", "true"}, "mutually exclusive"},
		{"unknown op", []string{"normalize", "--input", insertEnvelope, "--operations", "x"}, "filter"},
		{"missing file", []string{"normalize", "--input", "does-not-exist.jsonl"}, "open input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNormalize_EmptyInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	if err := os.WriteFile(path, []byte("\n\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, "normalize", "--input", path); err == nil || !strings.Contains(err.Error(), "no envelopes") {
		t.Fatalf("expected empty input error, got %v", err)
	}
}
