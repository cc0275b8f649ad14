package version

import "testing"

func TestLinkerValuesWin(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version, Commit = "v1.2.3", "0123456789abcdef0123"
	info := Resolve()
	if info.Version != "v1.2.3" || info.Commit != Commit {
		t.Fatalf("Resolve() = %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatalf("go version missing")
	}
	want := "v1.2.3 (0123456789ab)"
	if info.Modified {
		want = "v1.2.3 (0123456789ab+dirty)"
	}
	if got := String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestFallbackVersion(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = ""
	if Resolve().Version == "" {
		t.Fatalf("empty version")
	}
}
