// csi-replay runs a raw CSI recording through the pose pipeline offline and
// writes every accepted person as one JSON line.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/core"
	"github.com/hkevin01/wifi-radar/internal/pipeline"
	"github.com/hkevin01/wifi-radar/internal/stream"
)

const barTemplate = `{{ string . "prefix" }} {{counters . }} {{bar . }} {{percent . }} {{etime . "%s elapsed"}} {{rtime . "%s remain"}}`

// Summary counts what happened to the frames of one recording
type Summary struct {
	Frames   uint64
	Persons  uint64
	Dropped  uint64
	Degraded uint64
	Elapsed  time.Duration
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	input := flag.String("input", "", "Recording to replay (required)")
	output := flag.String("output", "", "JSON lines output file (stdout when empty)")
	gap := flag.Duration("gap", 0, "Reset temporal memory when frames are further apart than this (0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *input == "" {
		fmt.Fprintln(os.Stderr, "csi-replay: --input is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	out := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			slog.Error("failed to create output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	summary, err := replay(cfg, *input, out, os.Stderr, *gap)
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}

	slog.Info("replay complete",
		"frames", summary.Frames,
		"persons", summary.Persons,
		"dropped", summary.Dropped,
		"degraded", summary.Degraded,
		"elapsed", summary.Elapsed,
	)
}

// replay runs every frame of the recording at path through fresh pipeline
// stages on the calling goroutine
func replay(cfg *config.Config, path string, out, progress io.Writer, gap time.Duration) (Summary, error) {
	var summary Summary
	start := time.Now()

	stages, err := core.BuildStages(cfg)
	if err != nil {
		return summary, err
	}
	st := stages.NewStreamState()
	st.SetGapThreshold(gap)

	f, err := os.Open(path)
	if err != nil {
		return summary, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return summary, fmt.Errorf("failed to stat recording: %w", err)
	}

	bar := pb.ProgressBarTemplate(barTemplate).New64(info.Size())
	bar.SetWriter(progress)
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", "replay")
	bar.Start()
	defer bar.Finish()

	w := bufio.NewWriter(out)
	dec := stream.NewDecoder(f)
	for {
		frame, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("frame %d: %w", summary.Frames, err)
		}
		summary.Frames++
		bar.SetCurrent(int64(dec.BytesRead()))

		res, err := st.Step(frame)
		if err != nil {
			summary.Dropped++
			var se *pipeline.StageError
			if errors.As(err, &se) {
				slog.Debug("frame dropped", "seq", frame.Seq, "stage", se.Stage, "error", se.Err)
			}
			continue
		}
		if res.Conditioned.Degraded {
			summary.Degraded++
		}
		if res.Person == nil {
			continue
		}
		summary.Persons++

		line, err := res.Person.ToJSON(cfg.InstanceID, cfg.RoomID)
		if err != nil {
			return summary, err
		}
		w.Write(line)
		if err := w.WriteByte('\n'); err != nil {
			return summary, fmt.Errorf("failed to write output: %w", err)
		}
	}

	summary.Elapsed = time.Since(start)
	if err := w.Flush(); err != nil {
		return summary, fmt.Errorf("failed to write output: %w", err)
	}
	return summary, nil
}
