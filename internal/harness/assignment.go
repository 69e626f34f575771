package harness

// Assignment is one unit of fuzz work handed to a fuzz worker: a
// harness, the built challenge to run it in, and the timeslice it has
// earned under the current weights.
type Assignment struct {
	TaskID          string  `json:"task_id"`
	PackageName     string  `json:"package_name"`
	HarnessName     string  `json:"harness_name"`
	Engine          string  `json:"engine"`
	Sanitizer       string  `json:"sanitizer"`
	BuildDir        string  `json:"build_dir"`
	Weight          float64 `json:"weight"`
	DurationSeconds int64   `json:"duration_seconds"`
}
