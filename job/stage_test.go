package job

import (
	"encoding/json"
	"testing"
)

func TestStageRoundTrip(t *testing.T) {
	for _, s := range Stages() {
		parsed, err := ParseStage(s.String())
		if err != nil {
			t.Fatalf("ParseStage(%q): %s", s, err)
		}
		if parsed != s {
			t.Errorf("ParseStage(%q) = %v, want %v", s, parsed, s)
		}
	}

	if _, err := ParseStage("bogus"); err == nil {
		t.Error("Expected an error for an unknown stage name")
	}
}

func TestStageJSON(t *testing.T) {
	j := Job{ID: "1", Stage: DownloadingImages}
	data, err := json.Marshal(j)
	if err != nil {
		t.Fatal(err)
	}

	var back Job
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Stage != DownloadingImages {
		t.Errorf("Stage = %v after round trip, want %v", back.Stage, DownloadingImages)
	}
}

func TestStagePredicates(t *testing.T) {
	active := map[Stage]bool{
		Validating: true, Preparing: true, DownloadingImages: true, DownloadingFiles: true,
	}
	for _, s := range Stages() {
		if s.Active() != active[s] {
			t.Errorf("%v.Active() = %v, want %v", s, s.Active(), active[s])
		}
	}

	for _, s := range []Stage{Completed, Cancelled, Failed, FailedAuth, FailedForbidden, FailedNotFound, FailedOversize} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range NonTerminalStages() {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestRestBefore(t *testing.T) {
	cases := map[Stage]Stage{
		Validating:        Queued,
		Preparing:         Validated,
		DownloadingImages: Prepared,
		DownloadingFiles:  ImagesDownloaded,
	}
	for active, rest := range cases {
		got, ok := active.RestBefore()
		if !ok || got != rest {
			t.Errorf("%v.RestBefore() = %v,%v, want %v,true", active, got, ok, rest)
		}
	}
	if _, ok := Completed.RestBefore(); ok {
		t.Error("Completed has no preceding rest state")
	}
}

func TestFailureForStatus(t *testing.T) {
	cases := map[int]Stage{
		401: FailedAuth,
		403: FailedForbidden,
		404: FailedNotFound,
		429: Failed,
		500: Failed,
	}
	for code, want := range cases {
		if got := FailureForStatus(code); got != want {
			t.Errorf("FailureForStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
