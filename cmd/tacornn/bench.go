package main

import (
	"fmt"
	"time"

	"github.com/example/go-tacornn/internal/bench"
	"github.com/example/go-tacornn/internal/tts"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var in string
	var tensorName string
	var runs int
	var warmup int
	var jsonOut bool
	var rtfThreshold float64

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure synthesis timing and real-time factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runs < 1 {
				return fmt.Errorf("--runs must be >= 1")
			}

			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			memory, err := loadMatrix(in, tensorName)
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			for range warmup {
				if _, err := svc.Synthesize(memory); err != nil {
					return fmt.Errorf("warmup run: %w", err)
				}
			}

			results := make([]bench.RunResult, 0, runs)
			durations := make([]time.Duration, 0, runs)

			for i := range runs {
				start := time.Now()

				res, err := svc.Synthesize(memory)
				if err != nil {
					return fmt.Errorf("run %d: %w", i+1, err)
				}

				wav, err := svc.EncodeWAV(res)
				if err != nil {
					return fmt.Errorf("run %d: encode: %w", i+1, err)
				}

				elapsed := time.Since(start)

				wavDur, err := bench.WAVDuration(wav)
				if err != nil {
					return fmt.Errorf("run %d: %w", i+1, err)
				}

				results = append(results, bench.RunResult{
					Index:       i,
					Cold:        i == 0 && warmup == 0,
					Duration:    elapsed,
					WAVDuration: wavDur,
					RTF:         bench.CalcRTF(elapsed, wavDur),
				})
				durations = append(durations, elapsed)
			}

			stats := bench.ComputeStats(durations)

			if jsonOut {
				bench.FormatJSON(results, stats, cmd.OutOrStdout())
			} else {
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			var meanRTF float64
			for _, r := range results {
				meanRTF += r.RTF
			}
			meanRTF /= float64(len(results))

			return bench.CheckRTFThreshold(meanRTF, rtfThreshold)
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Safetensors file holding the encoder memory [T_enc, D]")
	cmd.Flags().StringVar(&tensorName, "tensor", "memory", "Tensor name inside the input file")
	cmd.Flags().IntVar(&runs, "runs", 3, "Number of timed runs")
	cmd.Flags().IntVar(&warmup, "warmup", 1, "Untimed warmup runs before measuring")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Fail when mean RTF exceeds this value (0 disables)")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}
