package stage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// Job stages one host file at one in-image path.
type Job struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

func (j Job) String() string {
	return j.Source + " -> " + j.Dest
}

// DefaultJobs are the payloads of the stock OS image.
var DefaultJobs = []Job{
	{Source: "./programs/blank/blank.elf", Dest: "blank"},
	{Source: "./programs/shell/shell.elf", Dest: "shell"},
}

// ParseJob parses SRC:DST. The split happens at the last colon since FAT
// names cannot contain one. A bare SRC, or an empty DST, stages to the
// base name of SRC in the image root.
func ParseJob(arg string) (Job, error) {
	if arg == "" {
		return Job{}, fmt.Errorf("empty job")
	}

	src, dst := arg, ""
	if i := strings.LastIndex(arg, ":"); i >= 0 {
		src, dst = arg[:i], arg[i+1:]
	}
	if src == "" {
		return Job{}, fmt.Errorf("job %q: empty source", arg)
	}
	if dst == "" {
		dst = filepath.Base(src)
	}
	return Job{Source: src, Dest: dst}, nil
}

// ParseJobs parses every argument with ParseJob.
func ParseJobs(args []string) ([]Job, error) {
	var firstErr error
	jobs := lo.FilterMap(args, func(arg string, _ int) (Job, bool) {
		job, err := ParseJob(arg)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return job, err == nil
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return jobs, nil
}
