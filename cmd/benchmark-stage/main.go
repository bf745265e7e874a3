package main

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jgarman/fatstage/internal/diskmanager"
	"github.com/jgarman/fatstage/internal/stage"
)

func main() {
	var (
		imagePath  = pflag.String("image", "", "Path to FAT32 disk image (required)")
		sourceFile = pflag.String("source", "", "Path to source file to copy (required)")
		destPath   = pflag.String("dest", "/test.bin", "Destination path in image")
		iterations = pflag.Int("iterations", 3, "Number of iterations to run")
		backend    = pflag.String("backend", "diskfs", "Writer backend: diskfs or loopback")
	)
	pflag.Parse()

	if *imagePath == "" || *sourceFile == "" {
		fmt.Println("Usage: benchmark-stage --image <disk.img> --source <file>")
		pflag.PrintDefaults()
		os.Exit(1)
	}

	// Keep per-job log lines out of the timing output.
	logrus.SetLevel(logrus.WarnLevel)

	be, err := diskmanager.ParseBackend(*backend)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(*imagePath); os.IsNotExist(err) {
		fmt.Printf("Error: Image file not found: %s\n", *imagePath)
		os.Exit(1)
	}
	srcInfo, err := os.Stat(*sourceFile)
	if err != nil {
		fmt.Printf("Error: Failed to stat source file: %v\n", err)
		os.Exit(1)
	}
	fileSize := datasize.ByteSize(srcInfo.Size())

	fmt.Printf("Benchmark Configuration:\n")
	fmt.Printf("  Image: %s\n", *imagePath)
	fmt.Printf("  Source: %s (%d bytes / %s)\n", *sourceFile, srcInfo.Size(), fileSize.HumanReadable())
	fmt.Printf("  Destination: %s\n", *destPath)
	fmt.Printf("  Backend: %s\n", be)
	fmt.Printf("  Iterations: %d\n\n", *iterations)

	var durations []time.Duration
	var totalBytes int64

	for i := 0; i < *iterations; i++ {
		fmt.Printf("Iteration %d/%d...\n", i+1, *iterations)

		start := time.Now()
		bytesWritten, err := stageOnce(*imagePath, be, *sourceFile, *destPath)
		duration := time.Since(start)

		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			continue
		}

		durations = append(durations, duration)
		totalBytes = bytesWritten

		fmt.Printf("  Duration: %v\n", duration)
		fmt.Printf("  Throughput: %s\n", throughput(bytesWritten, duration))
	}

	if len(durations) == 0 {
		fmt.Println("\nAll iterations failed!")
		os.Exit(1)
	}

	fmt.Println("\n=== Results ===")
	fmt.Printf("Successful iterations: %d/%d\n", len(durations), *iterations)
	fmt.Printf("Bytes written per iteration: %d (%s)\n\n", totalBytes, datasize.ByteSize(totalBytes).HumanReadable())

	var sum time.Duration
	minDuration := durations[0]
	maxDuration := durations[0]

	for _, d := range durations {
		sum += d
		minDuration = min(minDuration, d)
		maxDuration = max(maxDuration, d)
	}

	avgDuration := sum / time.Duration(len(durations))

	fmt.Printf("Min duration:  %v (%s)\n", minDuration, throughput(totalBytes, minDuration))
	fmt.Printf("Max duration:  %v (%s)\n", maxDuration, throughput(totalBytes, maxDuration))
	fmt.Printf("Avg duration:  %v (%s)\n", avgDuration, throughput(totalBytes, avgDuration))
}

func throughput(n int64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f MB/s", float64(n)/d.Seconds()/1024/1024)
}

// stageOnce opens the image, stages one file and closes the image again, so
// every iteration pays the full open/flush cost.
func stageOnce(imagePath string, backend diskmanager.Backend, sourcePath, destPath string) (int64, error) {
	dm, err := diskmanager.Open(diskmanager.Config{DiskPath: imagePath, Backend: backend})
	if err != nil {
		return 0, fmt.Errorf("failed to open disk image: %w", err)
	}
	defer dm.Close()

	var n int64
	err = dm.BeginTransaction(func(tx *diskmanager.Transaction) error {
		var err error
		n, err = stage.Stage(tx, sourcePath, destPath)
		return err
	})
	return n, err
}
