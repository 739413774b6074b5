package checkpoint

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFormatTime(t *testing.T) {
	cases := map[float64]string{
		173:  "173.0",
		60.5: "60.5",
		0:    "0.0",
		0.25: "0.25",
	}
	for in, want := range cases {
		if got := FormatTime(in); got != want {
			t.Fatalf("FormatTime(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestPath(t *testing.T) {
	got := Path("/data/checkpoints", "merewether", 4, 2, 173)
	want := filepath.Join("/data/checkpoints", "merewether_P4_2_173.0.pickle")
	if got != want {
		t.Fatalf("unexpected path %q, want %q", got, want)
	}

	custom := Layout{Dir: "/cp", DomainName: "d", Size: 1, Extension: "ckpt"}.Path(0, 1)
	if custom != filepath.Join("/cp", "d_P1_0_1.0.ckpt") {
		t.Fatalf("unexpected custom path %q", custom)
	}
}

func TestScanListsCompleteTimes(t *testing.T) {
	dir := t.TempDir()
	touch := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	// 120.0 complete, 60.0 complete, 180.0 missing rank 1, other domain ignored.
	touch("my_domain_P2_0_120.0.pickle")
	touch("my_domain_P2_1_120.0.pickle")
	touch("my_domain_P2_0_60.0.pickle")
	touch("my_domain_P2_1_60.0.pickle")
	touch("my_domain_P2_0_180.0.pickle")
	touch("other_P2_1_180.0.pickle")
	touch("my_domain_P4_1_180.0.pickle")
	touch("my_domain_P2_1_garbage.pickle")

	times, err := Scan(dir, "my_domain", 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !reflect.DeepEqual(times, []float64{60, 120}) {
		t.Fatalf("unexpected times %v", times)
	}
}

func TestScanMissingDirectory(t *testing.T) {
	times, err := Scan(filepath.Join(t.TempDir(), "absent"), "d", 1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(times) != 0 {
		t.Fatalf("expected no times, got %v", times)
	}
}
