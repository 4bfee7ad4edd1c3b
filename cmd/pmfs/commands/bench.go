package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/pmfs/internal/bytesize"
	"github.com/marmos91/pmfs/internal/cli/output"
	"github.com/marmos91/pmfs/internal/cli/timeutil"
	"github.com/marmos91/pmfs/internal/logger"
	"github.com/marmos91/pmfs/pkg/bufpool"
	"github.com/marmos91/pmfs/pkg/volume"
	"github.com/spf13/cobra"
)

var (
	benchFiles    int
	benchOps      int
	benchMaxWrite string
	benchSpan     string
	benchReadPct  int
	benchSeed     uint64
	benchKeep     bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a random read/write workload",
	Long: `Create files, hammer them with random writes and reads from one worker
per file, then verify every extent index.

With metrics enabled in the configuration the run is observable on the
metrics endpoint while it lasts.

Examples:
  pmfs bench
  pmfs bench --files 8 --ops 5000 --max-write 64Ki --span 1Gi`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchFiles, "files", 4, "Number of files (one worker each)")
	benchCmd.Flags().IntVar(&benchOps, "ops", 1000, "Operations per worker")
	benchCmd.Flags().StringVar(&benchMaxWrite, "max-write", "16Ki", "Largest write")
	benchCmd.Flags().StringVar(&benchSpan, "span", "64Mi", "Offsets are drawn from [0, span)")
	benchCmd.Flags().IntVar(&benchReadPct, "read-pct", 30, "Percentage of operations that are reads")
	benchCmd.Flags().Uint64Var(&benchSeed, "seed", 0, "Random seed (default: time based)")
	benchCmd.Flags().BoolVar(&benchKeep, "keep", false, "Keep the files after the run")
}

type benchResult struct {
	Files        int           `json:"files" yaml:"files"`
	Writes       uint64        `json:"writes" yaml:"writes"`
	Reads        uint64        `json:"reads" yaml:"reads"`
	BytesWritten uint64        `json:"bytes_written" yaml:"bytes_written"`
	BytesRead    uint64        `json:"bytes_read" yaml:"bytes_read"`
	Extents      uint64        `json:"extents" yaml:"extents"`
	Elapsed      time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

func (r benchResult) KeyValues() output.KeyValues {
	var kv output.KeyValues
	kv.Add("Files", strconv.Itoa(r.Files))
	kv.Add("Writes", strconv.FormatUint(r.Writes, 10))
	kv.Add("Reads", strconv.FormatUint(r.Reads, 10))
	kv.Add("Written", bytesize.ByteSize(r.BytesWritten).String())
	kv.Add("Read", bytesize.ByteSize(r.BytesRead).String())
	kv.Add("Extents", strconv.FormatUint(r.Extents, 10))
	kv.Add("Elapsed", r.Elapsed.Round(time.Millisecond).String())
	kv.Add("Write throughput", timeutil.FormatRate(r.BytesWritten, r.Elapsed))
	kv.Add("Ops/s", fmt.Sprintf("%.0f", float64(r.Writes+r.Reads)/r.Elapsed.Seconds()))
	return kv
}

type workerStats struct {
	writes, reads uint64
	written, read uint64
}

func runBench(cmd *cobra.Command, args []string) error {
	maxWrite, err := parseSize(benchMaxWrite)
	if err != nil || maxWrite == 0 {
		return fmt.Errorf("invalid --max-write %q", benchMaxWrite)
	}
	span, err := parseSize(benchSpan)
	if err != nil || span == 0 {
		return fmt.Errorf("invalid --span %q", benchSpan)
	}
	if benchFiles < 1 || benchOps < 0 || benchReadPct < 0 || benchReadPct > 100 {
		return fmt.Errorf("--files must be positive and --read-pct within [0, 100]")
	}
	seed := benchSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return withVolume(cmd, func(ctx context.Context, v *volume.Volume) error {
		inodes := make([]uint64, benchFiles)
		for i := range inodes {
			ino, err := v.Create(ctx)
			if err != nil {
				return err
			}
			inodes[i] = ino
		}
		if !benchKeep {
			defer func() {
				for _, ino := range inodes {
					if err := v.Remove(context.WithoutCancel(ctx), ino); err != nil {
						logger.Warn("bench cleanup failed", logger.KeyInode, ino, logger.KeyError, err)
					}
				}
			}()
		}

		logger.Info("Benchmark started", "files", benchFiles, "ops", benchOps, "seed", seed)

		stats := make([]workerStats, benchFiles)
		errs := make([]error, benchFiles)
		start := time.Now()

		var wg sync.WaitGroup
		for i, ino := range inodes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := rand.New(rand.NewPCG(seed, uint64(i)))
				errs[i] = benchWorker(ctx, v, ino, r, maxWrite, span, &stats[i])
			}()
		}
		wg.Wait()
		elapsed := time.Since(start)

		if err := errors.Join(errs...); err != nil {
			return err
		}

		res := benchResult{Files: benchFiles, Elapsed: elapsed}
		for i, ino := range inodes {
			res.Writes += stats[i].writes
			res.Reads += stats[i].reads
			res.BytesWritten += stats[i].written
			res.BytesRead += stats[i].read

			if err := v.Check(ctx, ino); err != nil {
				return fmt.Errorf("inode %d: %w", ino, err)
			}
			fi, err := v.Stat(ctx, ino)
			if err != nil {
				return err
			}
			res.Extents += fi.Extents
		}
		return printResult(cmd, res)
	})
}

func benchWorker(ctx context.Context, v *volume.Volume, ino uint64, r *rand.Rand, maxWrite, span uint64, st *workerStats) error {
	buf := bufpool.Get(int(maxWrite))
	defer bufpool.Put(buf)

	for op := 0; op < benchOps; op++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		off := r.Uint64N(span)
		p := buf[:1+r.Uint64N(maxWrite)]

		if r.IntN(100) < benchReadPct {
			n, err := v.ReadAt(ctx, ino, p, off)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("inode %d: read at %d: %w", ino, off, err)
			}
			st.reads++
			st.read += uint64(n)
			continue
		}

		for i := range p {
			p[i] = byte(r.UintN(256))
		}
		n, err := v.WriteAt(ctx, ino, p, off)
		if err != nil {
			return fmt.Errorf("inode %d: write at %d: %w", ino, off, err)
		}
		st.writes++
		st.written += uint64(n)
	}
	return nil
}
