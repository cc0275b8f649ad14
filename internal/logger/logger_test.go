package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSetupFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"compiled"`},
		{"text", "msg=compiled"},
		{"pretty", " variant=prefill"},
		{"", " variant=prefill"},
		{" JSON ", `"variant":"prefill"`},
	}
	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := Setup(&buf, tc.format, "info")
			if err != nil {
				t.Fatalf("Setup(%q): %v", tc.format, err)
			}
			log.Info("compiled", "variant", "prefill")
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("expected %q in output, got: %s", tc.want, buf.String())
			}
		})
	}

	if _, err := Setup(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestSetupLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level      string
		debug, inf bool
	}{
		{"debug", true, true},
		{"WARNING", false, false},
		{"bogus", false, true},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Setup(&buf, "pretty", tc.level)
		if err != nil {
			t.Fatal(err)
		}
		log.Debug("cache miss")
		log.Info("prewarmed")
		out := buf.String()
		if got := strings.Contains(out, "cache miss"); got != tc.debug {
			t.Errorf("level %q: debug emitted = %v", tc.level, got)
		}
		if got := strings.Contains(out, "prewarmed"); got != tc.inf {
			t.Errorf("level %q: info emitted = %v", tc.level, got)
		}
	}
}

func TestPrettyComponentTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		log  func(Logger)
		want string
		not  string
	}{
		{
			name: "from With",
			log:  func(l Logger) { l.With("component", "pipeline").Info("compiled") },
			want: "[pipeline] " + colorReset + "compiled",
			not:  "component=",
		},
		{
			name: "from record",
			log:  func(l Logger) { l.Info("released", "component", "pool", "bytes", 4096) },
			want: "[pool] " + colorReset + "released" + colorCyan + " bytes=4096",
			not:  "component=",
		},
		{
			name: "record overrides handler",
			log:  func(l Logger) { l.With("component", "pool").Info("x", "component", "recorder") },
			want: "[recorder]",
			not:  "[pool]",
		},
		{
			name: "inside a group stays an attr",
			log:  func(l Logger) { l.WithGroup("dispatch").Info("x", "component", "attention") },
			want: "dispatch.component=attention",
			not:  "[attention]",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.log(Pretty(&buf, slog.LevelInfo))
			out := buf.String()
			if !strings.Contains(out, tc.want) {
				t.Fatalf("expected %q in output, got: %q", tc.want, out)
			}
			if strings.Contains(out, tc.not) {
				t.Fatalf("unexpected %q in output, got: %q", tc.not, out)
			}
		})
	}
}

func TestPrettyAttrsKeepTheirGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo).With("device", "soft").WithGroup("kv").With("pages", 3)
	log.Info("flushed", "rows", 16)

	out := buf.String()
	for _, want := range []string{" device=soft", " kv.pages=3", " kv.rows=16"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %q", want, out)
		}
	}
	if strings.Contains(out, "kv.device") {
		t.Fatalf("attr added before the group was qualified: %q", out)
	}
}

func TestRoundDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{1234567 * time.Nanosecond, "1.23ms"},
		{2345678901 * time.Nanosecond, "2.346s"},
		{12345 * time.Nanosecond, "12µs"},
		{400 * time.Nanosecond, "0s"},
	}
	for _, tc := range tests {
		if got := roundDuration(tc.in).String(); got != tc.want {
			t.Errorf("roundDuration(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}

	var buf bytes.Buffer
	Pretty(&buf, slog.LevelInfo).Info("compiled", "took", 1234567*time.Nanosecond)
	if !strings.Contains(buf.String(), "took=1.23ms") {
		t.Fatalf("expected rounded duration in output, got: %s", buf.String())
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  string
	}{
		{"decode_tree", "variant=decode_tree"},
		{"shader-f16 missing", `variant="shader-f16 missing"`},
		{"", `variant=""`},
		{"a=b", `variant="a=b"`},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		Pretty(&buf, slog.LevelInfo).Info("selected", "variant", tc.value)
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("value %q: expected %s in %q", tc.value, tc.want, buf.String())
		}
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("expected the stored logger to be used, got: %s", buf.String())
	}

	Discard().With("component", "pool").Error("dropped")
}
