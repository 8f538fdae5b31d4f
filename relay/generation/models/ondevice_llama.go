//go:build llama && !no_llama

package models

import (
	"context"
	"fmt"

	"github.com/go-skynet/go-llama.cpp"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

const engineCompiled = true

var errEngineMissing = fmt.Errorf("%w: on-device inference disabled", ports.ErrBackendUnavailable)

type llamaEngine struct {
	model   *llama.LLama
	threads int
}

func openEngine(path string, cfg OnDeviceConfig) (engine, error) {
	model, err := llama.New(path,
		llama.SetContext(cfg.ContextSize),
		llama.SetGPULayers(cfg.GPULayers),
		llama.EnableF16Memory,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: llama.New failed: %v", ports.ErrBackendUnavailable, err)
	}
	return &llamaEngine{model: model, threads: cfg.Threads}, nil
}

// Predict stops generating at the next token once ctx is done.
func (e *llamaEngine) Predict(ctx context.Context, prompt string, opts ports.Options) (string, error) {
	popts := []llama.PredictOption{
		llama.SetTokens(opts.MaxNewTokens),
		llama.SetTemperature(opts.Temperature),
		llama.SetThreads(e.threads),
		llama.SetStopWords(opts.Stop...),
		llama.SetTokenCallback(func(string) bool { return ctx.Err() == nil }),
	}
	if opts.TopP > 0 {
		popts = append(popts, llama.SetTopP(opts.TopP))
	}
	if opts.Seed != 0 {
		popts = append(popts, llama.SetSeed(opts.Seed))
	}

	out, err := e.model.Predict(prompt, popts...)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return out, nil
}

func (e *llamaEngine) Close() { e.model.Free() }
