package job

import "fmt"

// Stage is the pipeline state machine. A job sits in exactly one stage at a
// time, enforced by state-set membership in the store.
//
// The declaration order is the total order of the pipeline:
// Queued -> Validating -> Validated -> Preparing -> Prepared ->
// DownloadingImages -> ImagesDownloaded -> DownloadingFiles -> Completed.
// Cancelled is reachable from any non-terminal stage; the Failed* stages
// are terminal failure states reachable from any active stage.
type Stage int

const (
	Queued Stage = iota
	Validating
	Validated
	Preparing
	Prepared
	DownloadingImages
	ImagesDownloaded
	DownloadingFiles
	Completed
	Cancelled
	Failed
	FailedAuth
	FailedForbidden
	FailedNotFound
	FailedOversize
)

var stageNames = map[Stage]string{
	Queued:            "queued",
	Validating:        "validating",
	Validated:         "validated",
	Preparing:         "preparing",
	Prepared:          "prepared",
	DownloadingImages: "downloading_images",
	ImagesDownloaded:  "images_downloaded",
	DownloadingFiles:  "downloading_files",
	Completed:         "completed",
	Cancelled:         "cancelled",
	Failed:            "failed",
	FailedAuth:        "failed_auth",
	FailedForbidden:   "failed_forbidden",
	FailedNotFound:    "failed_not_found",
	FailedOversize:    "failed_oversize",
}

// String returns the stage's set name, which doubles as the name of its
// durable state set.
func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage maps a set name back to its Stage.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return Queued, fmt.Errorf("unknown stage %q", name)
}

// MarshalText persists stages by set name so job files stay inspectable.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Active reports whether a worker is (or should be) currently running the
// job. Queued is a rest state: it feeds the light pool but occupies no slot.
func (s Stage) Active() bool {
	switch s {
	case Validating, Preparing, DownloadingImages, DownloadingFiles:
		return true
	}
	return false
}

// Terminal reports whether the stage is an end state awaiting operator
// action only.
func (s Stage) Terminal() bool {
	return s == Completed || s == Cancelled || s.Failure()
}

// Failure reports whether the stage is one of the typed failure end states.
func (s Stage) Failure() bool {
	switch s {
	case Failed, FailedAuth, FailedForbidden, FailedNotFound, FailedOversize:
		return true
	}
	return false
}

// RestBefore returns the rest state an interrupted active stage falls back
// to on crash recovery.
func (s Stage) RestBefore() (Stage, bool) {
	switch s {
	case Validating:
		return Queued, true
	case Preparing:
		return Validated, true
	case DownloadingImages:
		return Prepared, true
	case DownloadingFiles:
		return ImagesDownloaded, true
	}
	return s, false
}

// Stages lists every stage in pipeline order. Set stores are initialized
// from this list and defensive purges walk it.
func Stages() []Stage {
	return []Stage{
		Queued, Validating, Validated, Preparing, Prepared,
		DownloadingImages, ImagesDownloaded, DownloadingFiles,
		Completed, Cancelled,
		Failed, FailedAuth, FailedForbidden, FailedNotFound, FailedOversize,
	}
}

// SetNames returns the durable set name of every stage, in pipeline order.
func SetNames() []string {
	stages := Stages()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return names
}

// FailureStages lists the typed failure end states.
func FailureStages() []Stage {
	return []Stage{Failed, FailedAuth, FailedForbidden, FailedNotFound, FailedOversize}
}

// NonTerminalStages lists every stage a job can be cancelled out of.
func NonTerminalStages() []Stage {
	return []Stage{
		Queued, Validating, Validated, Preparing, Prepared,
		DownloadingImages, ImagesDownloaded, DownloadingFiles,
	}
}

// FailureForStatus maps an HTTP status code to its failure stage.
func FailureForStatus(code int) Stage {
	switch code {
	case 401:
		return FailedAuth
	case 403:
		return FailedForbidden
	case 404:
		return FailedNotFound
	}
	return Failed
}
