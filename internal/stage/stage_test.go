package stage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgarman/fatstage/internal/diskmanager"
)

// memImage is an in-memory image with the same write contract as a
// diskmanager transaction.
type memImage struct {
	files    map[string][]byte
	readOnly bool
	writes   int

	// corrupt flips the first byte of every file handed out by ReadFile.
	corrupt bool
}

func newMemImage() *memImage {
	return &memImage{files: make(map[string][]byte)}
}

func (m *memImage) WriteFile(imagePath string, r io.Reader, size int64) error {
	if m.readOnly {
		return diskmanager.ErrReadOnly
	}
	if err := diskmanager.ValidatePath(imagePath); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return err
	}
	m.writes++
	m.files[diskmanager.NormalizePath(imagePath)] = data
	return nil
}

func (m *memImage) ReadFile(imagePath string) (io.ReadCloser, error) {
	data, ok := m.files[diskmanager.NormalizePath(imagePath)]
	if !ok {
		return nil, diskmanager.ErrFileNotFound
	}
	if m.corrupt && len(data) > 0 {
		data = append([]byte{data[0] ^ 0xFF}, data[1:]...)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func writeHostFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, content, 0644))
	return p
}

func quietOptions(policy Policy) Options {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return Options{Policy: policy, Log: log}
}

func TestStage_ThreeByteRoundTrip(t *testing.T) {
	img := newMemImage()
	src := writeHostFile(t, "a.bin", []byte{0x01, 0x02, 0x03})

	n, err := Stage(img, src, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, img.files["/a"])
}

func TestStage_Idempotent(t *testing.T) {
	img := newMemImage()
	src := writeHostFile(t, "blank.elf", bytes.Repeat([]byte("ELF"), 500))

	_, err := Stage(img, src, "blank")
	require.NoError(t, err)
	once := bytes.Clone(img.files["/blank"])

	_, err = Stage(img, src, "blank")
	require.NoError(t, err)

	assert.Equal(t, once, img.files["/blank"])
	assert.Len(t, img.files, 1)
}

func TestStage_OverwriteTruncates(t *testing.T) {
	img := newMemImage()
	long := writeHostFile(t, "long", []byte("0123456789"))
	short := writeHostFile(t, "short", []byte("ab"))

	_, err := Stage(img, long, "f")
	require.NoError(t, err)
	_, err = Stage(img, short, "f")
	require.NoError(t, err)

	assert.Equal(t, []byte("ab"), img.files["/f"])
}

func TestStage_SourceNotFound(t *testing.T) {
	img := newMemImage()
	img.files["/a"] = []byte("previous")

	_, err := Stage(img, filepath.Join(t.TempDir(), "missing.bin"), "a")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, KindSourceNotFound, KindOf(err))
	assert.Equal(t, 0, img.writes)
	assert.Equal(t, []byte("previous"), img.files["/a"])
}

func TestStage_SourceIsDirectory(t *testing.T) {
	img := newMemImage()

	_, err := Stage(img, t.TempDir(), "dir")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnreadable)
	assert.Equal(t, 0, img.writes)
}

func TestStage_InvalidDestination(t *testing.T) {
	img := newMemImage()
	src := writeHostFile(t, "a.bin", []byte("x"))

	for _, dest := range []string{"", "/", "a:b", "what?"} {
		_, err := Stage(img, src, dest)
		assert.ErrorIs(t, err, ErrDestinationPathInvalid, "dest %q", dest)
	}
	assert.Equal(t, 0, img.writes)
}

func TestStage_ReadOnlyImage(t *testing.T) {
	img := newMemImage()
	img.readOnly = true
	src := writeHostFile(t, "a.bin", []byte("x"))

	_, err := Stage(img, src, "a")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDestinationWriteError)
	assert.ErrorIs(t, err, diskmanager.ErrReadOnly)
	assert.Empty(t, img.files)
}

func TestStage_TwoFilesDoNotInterfere(t *testing.T) {
	img := newMemImage()
	blank := writeHostFile(t, "blank.elf", []byte("blank program"))
	shell := writeHostFile(t, "shell.elf", bytes.Repeat([]byte{0x7F, 'E', 'L', 'F'}, 1024))

	_, err := Stage(img, blank, "blank")
	require.NoError(t, err)
	_, err = Stage(img, shell, "shell")
	require.NoError(t, err)

	assert.Equal(t, []byte("blank program"), img.files["/blank"])
	assert.Equal(t, bytes.Repeat([]byte{0x7F, 'E', 'L', 'F'}, 1024), img.files["/shell"])
}

func TestError_Matching(t *testing.T) {
	err := newError(KindDestinationWriteError, "/blank", diskmanager.ErrDiskFull)

	assert.ErrorIs(t, err, ErrDestinationWriteError)
	assert.NotErrorIs(t, err, ErrSourceNotFound)
	assert.ErrorIs(t, err, diskmanager.ErrDiskFull)
	assert.ErrorIs(t, err, &Error{Kind: KindDestinationWriteError, Path: "/blank"})
	assert.NotErrorIs(t, err, &Error{Kind: KindDestinationWriteError, Path: "/shell"})
	assert.Equal(t, "DestinationWriteError: /blank: disk full", err.Error())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRun_FailFast(t *testing.T) {
	img := newMemImage()
	good := writeHostFile(t, "good", []byte("good"))
	jobs := []Job{
		{Source: good, Dest: "one"},
		{Source: filepath.Join(t.TempDir(), "missing"), Dest: "two"},
		{Source: good, Dest: "three"},
	}

	results, err := Run(context.Background(), img, jobs, quietOptions(FailFast))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceNotFound)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Contains(t, img.files, "/one")
	assert.NotContains(t, img.files, "/three")
}

func TestRun_KeepGoing(t *testing.T) {
	img := newMemImage()
	good := writeHostFile(t, "good", []byte("good"))
	jobs := []Job{
		{Source: filepath.Join(t.TempDir(), "missing"), Dest: "one"},
		{Source: good, Dest: "bad|name"},
		{Source: good, Dest: "three"},
	}

	results, err := Run(context.Background(), img, jobs, quietOptions(KeepGoing))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.ErrorIs(t, err, ErrDestinationPathInvalid)
	require.Len(t, results, 3)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, int64(4), results[2].Bytes)
	assert.Equal(t, []byte("good"), img.files["/three"])
}

func TestRun_DuplicateDestinations(t *testing.T) {
	img := newMemImage()
	good := writeHostFile(t, "good", []byte("good"))
	jobs := []Job{
		{Source: good, Dest: "blank"},
		{Source: good, Dest: "/./blank"},
	}

	results, err := Run(context.Background(), img, jobs, quietOptions(KeepGoing))

	assert.ErrorIs(t, err, ErrDestinationPathInvalid)
	assert.ErrorIs(t, err, errDuplicateDest)
	assert.Nil(t, results)
	assert.Equal(t, 0, img.writes)
}

func TestRun_DuplicateDestinationsDifferByCase(t *testing.T) {
	img := newMemImage()
	a := writeHostFile(t, "a", []byte("aa"))
	b := writeHostFile(t, "b", []byte("bb"))

	_, err := Run(context.Background(), img, []Job{
		{Source: a, Dest: "Blank"},
		{Source: b, Dest: "blank"},
	}, quietOptions(FailFast))

	assert.ErrorIs(t, err, ErrDestinationPathInvalid)
	assert.ErrorIs(t, err, errDuplicateDest)
	assert.Equal(t, 0, img.writes)
}

// beforeWriteImage calls before ahead of every write it forwards to Image.
type beforeWriteImage struct {
	Image
	before func()
}

func (b *beforeWriteImage) WriteFile(imagePath string, r io.Reader, size int64) error {
	b.before()
	return b.Image.WriteFile(imagePath, r, size)
}

func TestStage_SourceShrinks(t *testing.T) {
	src := writeHostFile(t, "a.bin", []byte{0x01, 0x02, 0x03})
	img := &beforeWriteImage{
		Image:  newMemImage(),
		before: func() { require.NoError(t, os.Truncate(src, 1)) },
	}

	n, err := Stage(img, src, "a")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnreadable)
	assert.ErrorIs(t, err, errShortCopy)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, src, err.(*Error).Path)
}

func TestRun_Verify(t *testing.T) {
	good := writeHostFile(t, "good", []byte("payload"))
	jobs := []Job{{Source: good, Dest: "p"}}

	opts := quietOptions(FailFast)
	opts.Verify = true

	_, err := Run(context.Background(), newMemImage(), jobs, opts)
	require.NoError(t, err)

	corrupting := newMemImage()
	corrupting.corrupt = true
	_, err = Run(context.Background(), corrupting, jobs, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDestinationWriteError)
	assert.ErrorIs(t, err, errVerifyMismatch)
}

func TestRun_VerifyNeedsReadableImage(t *testing.T) {
	img := struct{ Image }{newMemImage()}
	opts := quietOptions(FailFast)
	opts.Verify = true

	_, err := Run(context.Background(), img, []Job{{Source: "x", Dest: "x"}}, opts)
	assert.Error(t, err)
}

func TestRun_CanceledContext(t *testing.T) {
	img := newMemImage()
	good := writeHostFile(t, "good", []byte("good"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Run(ctx, img, []Job{{Source: good, Dest: "a"}}, quietOptions(KeepGoing))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Empty(t, img.files)
}

func TestParseJob(t *testing.T) {
	tests := []struct {
		arg     string
		want    Job
		wantErr bool
	}{
		{arg: "./programs/blank/blank.elf:blank", want: Job{Source: "./programs/blank/blank.elf", Dest: "blank"}},
		{arg: "kernel.bin:boot/kernel.bin", want: Job{Source: "kernel.bin", Dest: "boot/kernel.bin"}},
		{arg: "./programs/shell/shell.elf", want: Job{Source: "./programs/shell/shell.elf", Dest: "shell.elf"}},
		{arg: "a.bin:", want: Job{Source: "a.bin", Dest: "a.bin"}},
		{arg: "dir:with:colons:x", want: Job{Source: "dir:with:colons", Dest: "x"}},
		{arg: ":dest", wantErr: true},
		{arg: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseJob(tt.arg)
		if tt.wantErr {
			assert.Error(t, err, tt.arg)
			continue
		}
		require.NoError(t, err, tt.arg)
		assert.Equal(t, tt.want, got, tt.arg)
	}
}

func TestParseJobs(t *testing.T) {
	jobs, err := ParseJobs([]string{"a:x", "b"})
	require.NoError(t, err)
	assert.Equal(t, []Job{{Source: "a", Dest: "x"}, {Source: "b", Dest: "b"}}, jobs)

	_, err = ParseJobs([]string{"a:x", ":y"})
	assert.Error(t, err)
}

// The tests below run against real FAT32 images.

func newDiskImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "os.bin")
	require.NoError(t, diskmanager.CreateDiskImage(p, 10*datasize.MB, "TEST"))
	return p
}

func TestStage_DiskImageRoundTrip(t *testing.T) {
	imagePath := newDiskImage(t)
	m, err := diskmanager.Open(diskmanager.Config{DiskPath: imagePath})
	require.NoError(t, err)
	defer m.Close()

	blank := writeHostFile(t, "blank.elf", []byte{0x01, 0x02, 0x03})
	shell := writeHostFile(t, "shell.elf", bytes.Repeat([]byte("shell"), 2000))

	opts := quietOptions(FailFast)
	opts.Verify = true
	err = m.BeginTransaction(func(tx *diskmanager.Transaction) error {
		_, err := Run(context.Background(), tx, []Job{
			{Source: blank, Dest: "blank"},
			{Source: shell, Dest: "shell"},
		}, opts)
		return err
	})
	require.NoError(t, err)

	for dest, want := range map[string][]byte{
		"blank": {0x01, 0x02, 0x03},
		"shell": bytes.Repeat([]byte("shell"), 2000),
	} {
		f, err := m.ReadFile(dest)
		require.NoError(t, err)
		got, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, want, got, dest)
	}
}

func TestStage_DiskImageMissingSourceLeavesImage(t *testing.T) {
	imagePath := newDiskImage(t)
	before, err := os.ReadFile(imagePath)
	require.NoError(t, err)

	m, err := diskmanager.Open(diskmanager.Config{DiskPath: imagePath})
	require.NoError(t, err)
	err = m.BeginTransaction(func(tx *diskmanager.Transaction) error {
		_, err := Stage(tx, filepath.Join(t.TempDir(), "nope"), "blank")
		return err
	})
	assert.ErrorIs(t, err, ErrSourceNotFound)

	_, err = m.ReadFile("blank")
	assert.ErrorIs(t, err, diskmanager.ErrFileNotFound)
	require.NoError(t, m.Close())

	after, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after), "image bytes changed")
}

func TestStage_DiskImageReadOnly(t *testing.T) {
	imagePath := newDiskImage(t)
	before, err := os.ReadFile(imagePath)
	require.NoError(t, err)

	m, err := diskmanager.Open(diskmanager.Config{DiskPath: imagePath, ReadOnly: true})
	require.NoError(t, err)

	src := writeHostFile(t, "a.bin", []byte{0x01, 0x02, 0x03})
	err = m.BeginTransaction(func(tx *diskmanager.Transaction) error {
		_, err := Stage(tx, src, "a")
		return err
	})
	assert.ErrorIs(t, err, ErrDestinationWriteError)
	require.NoError(t, m.Close())

	after, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after), "image bytes changed")
}

func TestRun_DiskImageCaseOnlyDuplicates(t *testing.T) {
	m, err := diskmanager.Open(diskmanager.Config{DiskPath: newDiskImage(t)})
	require.NoError(t, err)
	defer m.Close()

	a := writeHostFile(t, "a", []byte("aa"))
	b := writeHostFile(t, "b", []byte("bb"))
	err = m.BeginTransaction(func(tx *diskmanager.Transaction) error {
		_, err := Run(context.Background(), tx, []Job{
			{Source: a, Dest: "Blank"},
			{Source: b, Dest: "blank"},
		}, quietOptions(KeepGoing))
		return err
	})
	assert.ErrorIs(t, err, ErrDestinationPathInvalid)

	_, err = m.ReadFile("Blank")
	assert.ErrorIs(t, err, diskmanager.ErrFileNotFound)
}

func TestStage_DiskImageSourceShrinks(t *testing.T) {
	m, err := diskmanager.Open(diskmanager.Config{DiskPath: newDiskImage(t)})
	require.NoError(t, err)
	defer m.Close()

	src := writeHostFile(t, "shell.elf", bytes.Repeat([]byte("shell"), 2000))
	err = m.BeginTransaction(func(tx *diskmanager.Transaction) error {
		img := &beforeWriteImage{
			Image:  tx,
			before: func() { require.NoError(t, os.Truncate(src, 10)) },
		}
		_, err := Stage(img, src, "shell")
		return err
	})
	assert.ErrorIs(t, err, ErrSourceUnreadable)
}
