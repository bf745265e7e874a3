package stage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/fatstage/internal/diskmanager"
)

// Policy decides what happens to the remaining jobs after a failure.
type Policy int

const (
	// FailFast aborts the run at the first failing job.
	FailFast Policy = iota
	// KeepGoing attempts every job and joins all failures.
	KeepGoing
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case KeepGoing:
		return "keep-going"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

type Options struct {
	Policy Policy

	// Verify reads every destination back after writing it and compares
	// SHA-256 digests. The image must implement ReadableImage.
	Verify bool

	Log logrus.FieldLogger
}

// Result is the outcome of one attempted job.
type Result struct {
	Job   Job
	Bytes int64
	Err   error
}

var (
	errDuplicateDest  = errors.New("destination staged more than once")
	errVerifyMismatch = errors.New("read-back digest mismatch")
)

// Run stages jobs into img one after another, in order. It returns the
// results of the jobs it attempted and, if any failed, an error: the first
// failure under FailFast, all of them joined under KeepGoing.
//
// ctx is only consulted between jobs; a started copy always runs to the end.
func Run(ctx context.Context, img Image, jobs []Job, opts Options) ([]Result, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	if dups := lo.FindDuplicatesBy(jobs, func(j Job) string {
		return diskmanager.PathKey(j.Dest)
	}); len(dups) > 0 {
		return nil, newError(KindDestinationPathInvalid, dups[0].Dest, errDuplicateDest)
	}

	var reader ReadableImage
	if opts.Verify {
		r, ok := img.(ReadableImage)
		if !ok {
			return nil, fmt.Errorf("verify requested but %T cannot read files back", img)
		}
		reader = r
	}

	results := make([]Result, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		jl := log.WithFields(logrus.Fields{"source": job.Source, "dest": job.Dest})
		n, err := runJob(img, reader, job)
		results = append(results, Result{Job: job, Bytes: n, Err: err})
		if err != nil {
			jl.WithError(err).Error("staging failed")
			errs = append(errs, err)
			if opts.Policy == FailFast {
				break
			}
			continue
		}
		jl.WithField("bytes", n).Info("staged")
	}

	switch len(errs) {
	case 0:
		return results, nil
	case 1:
		return results, errs[0]
	default:
		return results, errors.Join(errs...)
	}
}

func runJob(img Image, reader ReadableImage, job Job) (int64, error) {
	if reader == nil {
		return Stage(img, job.Source, job.Dest)
	}

	h := sha256.New()
	n, err := stage(img, job.Source, job.Dest, h)
	if err != nil {
		return n, err
	}
	if err := verify(reader, job.Dest, h.Sum(nil)); err != nil {
		return n, newError(KindDestinationWriteError, job.Dest, err)
	}
	return n, nil
}

func verify(img ReadableImage, imagePath string, want []byte) error {
	f, err := img.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if got := h.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: got %x, want %x", errVerifyMismatch, got, want)
	}
	return nil
}
