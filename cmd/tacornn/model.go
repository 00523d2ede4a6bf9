package main

import (
	"fmt"

	"github.com/example/go-tacornn/internal/native"
	"github.com/example/go-tacornn/internal/safetensors"
	"github.com/spf13/cobra"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Checkpoint utilities",
	}

	cmd.AddCommand(newModelInspectCmd())
	cmd.AddCommand(newModelVerifyCmd())

	return cmd
}

func newModelInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [path]",
		Short: "List the tensors in a checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := modelPathArg(args)
			if err != nil {
				return err
			}

			store, err := safetensors.Open(path)
			if err != nil {
				return err
			}

			for _, name := range store.Names() {
				t, err := store.Tensor(name)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", name, t.Shape)
			}

			return nil
		},
	}
}

func newModelVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [path]",
		Short: "Load a checkpoint and check that its layers wire together",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := modelPathArg(args)
			if err != nil {
				return err
			}

			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			model, err := native.LoadModelFile(path, native.ModelConfig{
				WindowWidth: cfg.Attention.WindowWidth,
				PriorLength: cfg.Attention.PriorLength,
				PriorAlpha:  cfg.Attention.PriorAlpha,
				PriorBeta:   cfg.Attention.PriorBeta,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d mel channels, %d-bit mu-law output\n",
				model.Decoder.NMels(), model.Vocoder.Bits())

			return nil
		},
	}
}

func modelPathArg(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}

	cfg, err := requireConfig()
	if err != nil {
		return "", err
	}

	return cfg.Paths.ModelPath, nil
}
