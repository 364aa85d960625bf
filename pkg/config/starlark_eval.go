package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// OverridesFunc is the function an override script defines. It is called
// as overrides(facts, config) and returns a dict of pxe settings.
const OverridesFunc = "overrides"

// maxSteps bounds the work a script may do.
const maxSteps = 1_000_000

// StarlarkEvaluator runs per-host override scripts. Scripts see the host
// facts and the file's pxe settings as dicts keyed like the config file,
// and have the struct and json modules predeclared.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator returns an evaluator that stops scripts after
// timeout, 10s when zero.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Overrides runs the script's overrides function for a host. A script
// without the function, or one returning None, yields nil.
func (se *StarlarkEvaluator) Overrides(ctx context.Context, filename, script string, facts pxe.Facts, current pxe.RawConfig) (map[string]interface{}, error) {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode facts: %w", err)
	}
	cfg := map[string]interface{}{}
	if err := roundTrip(current, &cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if !current.SyslinuxPath.Set {
		delete(cfg, "syslinux_path")
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "overrides:" + facts.Hostname,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", filename).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	start := time.Now()
	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := run(thread, filename, script, factsJSON, cfgJSON)
		done <- outcome{out, err}
	}()

	var o outcome
	select {
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-done
		return nil, fmt.Errorf("starlark execution of %s timed out after %v", filename, time.Since(start).Round(time.Millisecond))
	case o = <-done:
	}
	if o.err != nil || o.out == nil {
		return nil, o.err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(o.out, &result); err != nil {
		return nil, fmt.Errorf("%s: %s must return a dict: %w", filename, OverridesFunc, err)
	}
	return result, nil
}

// run executes the script and returns the JSON encoding of what its
// overrides function returned, or nil for no overrides.
func run(thread *starlark.Thread, filename, script string, args ...[]byte) ([]byte, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
	}
	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	fn, ok := globals[OverridesFunc]
	if !ok {
		return nil, nil
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %s is a %s, not a function", filename, OverridesFunc, fn.Type())
	}

	decode := starlarkjson.Module.Members["decode"]
	callArgs := make(starlark.Tuple, len(args))
	for i, a := range args {
		if callArgs[i], err = starlark.Call(thread, decode, starlark.Tuple{starlark.String(a)}, nil); err != nil {
			return nil, fmt.Errorf("failed to convert input: %w", err)
		}
	}

	ret, err := starlark.Call(thread, callable, callArgs, nil)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	switch ret.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.Dict, *starlarkstruct.Struct:
	default:
		return nil, fmt.Errorf("%s: %s must return a dict, got %s", filename, OverridesFunc, ret.Type())
	}

	encoded, err := starlark.Call(thread, starlarkjson.Module.Members["encode"], starlark.Tuple{ret}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to convert output: %w", err)
	}
	return []byte(string(encoded.(starlark.String))), nil
}

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
