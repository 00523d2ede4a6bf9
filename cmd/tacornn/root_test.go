package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-tacornn/internal/safetensors"
	"github.com/example/go-tacornn/internal/testutil"
)

func patternTensor(name string, shape ...int64) safetensors.Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = 0.02*float32(i%5) - 0.04
	}

	return safetensors.Tensor{Name: name, Shape: shape, Data: data}
}

// writeCheckpoint writes a minimal checkpoint: 4 mel channels, context dim 2,
// 2-bit mu-law output, with a stop bias high enough to end generation on the
// first frame.
func writeCheckpoint(t *testing.T, dir string) string {
	t.Helper()

	tensors := []safetensors.Tensor{
		patternTensor("attention.query_proj.weight", 3, 4),
		patternTensor("attention.query_proj.bias", 3),
		patternTensor("attention.location_conv.weight", 2, 1, 3),
		patternTensor("attention.location_proj.weight", 3, 2),
		patternTensor("attention.v.weight", 1, 3),

		patternTensor("decoder.prenet.fc1.weight", 3, 4),
		patternTensor("decoder.prenet.fc1.bias", 3),
		patternTensor("decoder.prenet.fc2.weight", 3, 3),
		patternTensor("decoder.prenet.fc2.bias", 3),
		patternTensor("decoder.attn_rnn.weight_ih", 16, 5),
		patternTensor("decoder.attn_rnn.weight_hh", 16, 4),
		patternTensor("decoder.attn_rnn.bias_ih", 16),
		patternTensor("decoder.attn_rnn.bias_hh", 16),
		patternTensor("decoder.dec_rnn.weight_ih", 16, 6),
		patternTensor("decoder.dec_rnn.weight_hh", 16, 4),
		patternTensor("decoder.dec_rnn.bias_ih", 16),
		patternTensor("decoder.dec_rnn.bias_hh", 16),
		patternTensor("decoder.frame_proj.weight", 4, 6),
		patternTensor("decoder.frame_proj.bias", 4),
		patternTensor("decoder.stop_proj.weight", 1, 6),
		{Name: "decoder.stop_proj.bias", Shape: []int64{1}, Data: []float32{10}},

		patternTensor("vocoder.cond_proj.weight", 3, 4),
		patternTensor("vocoder.cond_proj.bias", 3),
		patternTensor("vocoder.gru.weight_ih", 15, 4),
		patternTensor("vocoder.gru.weight_hh", 15, 5),
		patternTensor("vocoder.gru.bias_ih", 15),
		patternTensor("vocoder.gru.bias_hh", 15),
		patternTensor("vocoder.fc1.weight", 6, 5),
		patternTensor("vocoder.fc1.bias", 6),
		patternTensor("vocoder.fc2.weight", 4, 6),
		patternTensor("vocoder.fc2.bias", 4),
	}

	path := filepath.Join(dir, "model.safetensors")
	if err := safetensors.WriteFile(path, tensors); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func writeMemory(t *testing.T, dir, name string, frames int) string {
	t.Helper()

	data := make([]float32, frames*2)
	for i := range data {
		data[i] = 0.1 * float32(i%3)
	}

	path := filepath.Join(dir, "input.safetensors")
	err := safetensors.WriteFile(path, []safetensors.Tensor{
		{Name: name, Shape: []int64{int64(frames), 2}, Data: data},
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func baseArgs(ckpt string) []string {
	return []string{
		"--paths-model-path", ckpt,
		"--audio-hop-length", "8",
		"--audio-bits", "2",
		"--attention-window-width", "3",
	}
}

func TestRootCmdRegistersFlags(t *testing.T) {
	cmd := NewRootCmd()

	for _, name := range []string{"config", "paths-model-path", "decoder-max-steps", "vocoder-seed", "log-level"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("persistent flag %q not registered", name)
		}
	}

	var subs []string
	for _, sub := range cmd.Commands() {
		subs = append(subs, sub.Name())
	}

	for _, want := range []string{"synth", "vocode", "bench", "model"} {
		found := false
		for _, got := range subs {
			if got == want {
				found = true
			}
		}

		if !found {
			t.Errorf("subcommand %q not registered (have %v)", want, subs)
		}
	}
}

func TestSynthCommandWritesWAV(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir)
	mem := writeMemory(t, dir, "memory", 10)
	out := filepath.Join(dir, "out.wav")

	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"synth", "--in", mem, "--out", out}, baseArgs(ckpt)...))

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	testutil.AssertValidWAV(t, data, 16000)
}

func TestVocodeCommandWritesWAV(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir)
	out := filepath.Join(dir, "out.wav")

	melData := make([]float32, 3*4)
	for i := range melData {
		melData[i] = 0.25 * float32(i%4)
	}

	melPath := filepath.Join(dir, "mel.safetensors")
	err := safetensors.WriteFile(melPath, []safetensors.Tensor{
		{Name: "mel", Shape: []int64{3, 4}, Data: melData},
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"vocode", "--in", melPath, "--out", out}, baseArgs(ckpt)...))

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	testutil.AssertValidWAV(t, data, 16000)
}

func TestSynthCommandMissingTensor(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir)
	mem := writeMemory(t, dir, "wrong_name", 10)

	cmd := NewRootCmd()
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs(append([]string{"synth", "--in", mem, "--out", filepath.Join(dir, "out.wav")}, baseArgs(ckpt)...))

	if err := cmd.Execute(); err == nil {
		t.Fatal("Execute succeeded with missing tensor name")
	}
}

func TestModelInspect(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"model", "inspect", ckpt}, baseArgs(ckpt)...))

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.Contains(out.String(), "decoder.frame_proj.weight") {
		t.Fatalf("inspect output missing tensor name:\n%s", out.String())
	}
}

func TestModelVerify(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"model", "verify", ckpt}, baseArgs(ckpt)...))

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.Contains(out.String(), "ok:") {
		t.Fatalf("verify output = %q, want ok line", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if strings.TrimSpace(out.String()) == "" {
		t.Fatal("version output is empty")
	}
}

func TestWriteOutputStdout(t *testing.T) {
	var buf bytes.Buffer

	if err := writeOutput("-", []byte("abc"), &buf); err != nil {
		t.Fatalf("writeOutput: %v", err)
	}

	if buf.String() != "abc" {
		t.Fatalf("stdout = %q, want %q", buf.String(), "abc")
	}
}

func TestWriteOutputCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "nested", "deep", "out.wav")

	if err := writeOutput(out, []byte{1, 2, 3}, nil); err != nil {
		t.Fatalf("writeOutput: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if len(data) != 3 {
		t.Fatalf("wrote %d bytes, want 3", len(data))
	}
}

func TestBenchCommandReportsRuns(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir)
	mem := writeMemory(t, dir, "memory", 10)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"bench", "--in", mem, "--runs", "2", "--warmup", "0", "--json"}, baseArgs(ckpt)...))

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.Contains(out.String(), "\"rtf\"") {
		t.Fatalf("bench output missing rtf field:\n%s", out.String())
	}
}
