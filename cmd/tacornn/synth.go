package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/example/go-tacornn/internal/runtime/tensor"
	"github.com/example/go-tacornn/internal/safetensors"
	"github.com/example/go-tacornn/internal/tts"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var in string
	var tensorName string
	var out string

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize a WAV from encoder memory",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			res, err := svc.Synthesize(memory)
			if err != nil {
				return err
			}

			wav, err := svc.EncodeWAV(res)
			if err != nil {
				return err
			}

			return writeOutput(out, wav, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Safetensors file holding the encoder memory [T_enc, D]")
	cmd.Flags().StringVar(&tensorName, "tensor", "memory", "Tensor name inside the input file")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func newVocodeCmd() *cobra.Command {
	var in string
	var tensorName string
	var out string

	cmd := &cobra.Command{
		Use:   "vocode",
		Short: "Render a WAV from a mel-spectrogram",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			mel, err := loadMatrix(in, tensorName)
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			res, err := svc.Vocode(mel)
			if err != nil {
				return err
			}

			wav, err := svc.EncodeWAV(res)
			if err != nil {
				return err
			}

			return writeOutput(out, wav, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Safetensors file holding the mel-spectrogram [frames, n_mels]")
	cmd.Flags().StringVar(&tensorName, "tensor", "mel", "Tensor name inside the input file")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

// loadMatrix reads one rank-2 tensor out of a safetensors file.
func loadMatrix(path, name string) (*tensor.Tensor, error) {
	store, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	st, err := store.Tensor(name)
	if err != nil {
		return nil, fmt.Errorf("read tensor %q from %q: %w", name, path, err)
	}

	if len(st.Shape) != 2 {
		return nil, fmt.Errorf("tensor %q has shape %v, want rank 2", name, st.Shape)
	}

	return tensor.New(st.Data, st.Shape)
}

func writeOutput(out string, data []byte, stdout io.Writer) error {
	if out == "-" {
		_, err := stdout.Write(data)
		return err
	}

	if dir := filepath.Dir(out); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", out, err)
	}

	return nil
}
