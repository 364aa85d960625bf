package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// ProfileResolver maps host facts to the platform profile the resolver
// runs against.
type ProfileResolver interface {
	Resolve(ctx context.Context, facts pxe.Facts) (pxe.PlatformProfile, error)
}

// BuiltinResolver resolves facts with the built-in Debian and RedHat
// profiles.
type BuiltinResolver struct{}

// Resolve implements ProfileResolver.
func (BuiltinResolver) Resolve(_ context.Context, facts pxe.Facts) (pxe.PlatformProfile, error) {
	return pxe.LookupProfile(facts)
}

// Config contains runtime limits for a plugin.
type Config struct {
	// Timeout bounds each call into the plugin.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KiB pages.
	// Default is 256 pages (16MiB).
	MemoryLimitPages uint32
}

// ProfilePlugin is a WASM module that computes a PlatformProfile from
// facts, for platforms the built-in profiles do not cover.
//
// The module exports memory, malloc(size) ptr, free(ptr) and
// profile_resolve(ptr, len) u64. profile_resolve receives the facts as
// JSON and returns either {"profile": {...}} or {"error": "..."}. The
// module may import env.log(level, ptr, len) to write to the host log.
//
// A ProfilePlugin is safe for concurrent use; calls are serialised.
type ProfilePlugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *wasmBridge
	logger   zerolog.Logger

	mu sync.Mutex
}

var _ ProfileResolver = (*ProfilePlugin)(nil)

// Load reads a plugin from a manifest or a bare .wasm file and
// instantiates it.
func Load(ctx context.Context, path string, cfg *Config, logger zerolog.Logger) (*ProfilePlugin, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}

	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	return New(ctx, manifest, wasmModule, cfg, logger)
}

// New instantiates a plugin from module bytes.
func New(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *Config, logger zerolog.Logger) (*ProfilePlugin, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return nil, err
	}

	logger = logger.With().Str("plugin", manifest.Name).Str("version", manifest.Version).Logger()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, logger)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	// Plugins are reactors: _initialize sets up the guest runtime and the
	// exports are called afterwards. Missing start functions are skipped.
	moduleConfig := wazero.NewModuleConfig().
		WithName(manifest.Name).
		WithStartFunctions("_initialize")
	module, err := runtime.InstantiateWithConfig(ctx, wasmModule, moduleConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := newWASMBridge(module, cfg.Timeout)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	return &ProfilePlugin{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		bridge:   bridge,
		logger:   logger,
	}, nil
}

// registerHostFunctions exports env.log to the plugin.
func registerHostFunctions(builder wazero.HostModuleBuilder, logger zerolog.Logger) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				logger.Warn().Msg("Plugin log message outside memory")
				return
			}
			var e *zerolog.Event
			switch level {
			case 0:
				e = logger.Debug()
			case 1:
				e = logger.Info()
			case 2:
				e = logger.Warn()
			default:
				e = logger.Error()
			}
			e.Msg(string(msg))
		}).
		Export("log")
}

type resolveResponse struct {
	Profile *pxe.PlatformProfile `json:"profile,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Resolve implements ProfileResolver. The returned profile has been
// validated.
func (p *ProfilePlugin) Resolve(ctx context.Context, facts pxe.Facts) (pxe.PlatformProfile, error) {
	if !p.manifest.Accepts(facts.OSFamily) {
		return pxe.PlatformProfile{}, &pxe.UnsupportedPlatformError{OSFamily: facts.OSFamily}
	}

	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return pxe.PlatformProfile{}, fmt.Errorf("failed to marshal facts: %w", err)
	}

	p.mu.Lock()
	out, err := p.bridge.ResolveProfile(ctx, factsJSON)
	p.mu.Unlock()
	if err != nil {
		return pxe.PlatformProfile{}, fmt.Errorf("plugin %s: %w", p.manifest.Name, err)
	}

	var resp resolveResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return pxe.PlatformProfile{}, fmt.Errorf("plugin %s: failed to unmarshal response: %w", p.manifest.Name, err)
	}
	if resp.Error != "" {
		return pxe.PlatformProfile{}, fmt.Errorf("plugin %s: %s", p.manifest.Name, resp.Error)
	}
	if resp.Profile == nil {
		return pxe.PlatformProfile{}, fmt.Errorf("plugin %s: response has neither profile nor error", p.manifest.Name)
	}

	profile := *resp.Profile
	if err := profile.Validate(); err != nil {
		return pxe.PlatformProfile{}, fmt.Errorf("plugin %s: %w", p.manifest.Name, err)
	}

	p.logger.Debug().
		Str("os_family", string(profile.OSFamily)).
		Int("major_release", profile.MajorRelease).
		Msg("Plugin resolved platform profile")

	return profile, nil
}

// Manifest returns the plugin manifest.
func (p *ProfilePlugin) Manifest() *Manifest {
	return p.manifest
}

// Close closes the module and the runtime.
func (p *ProfilePlugin) Close(ctx context.Context) error {
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM module: %w", err)
		}
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM runtime: %w", err)
		}
	}
	return nil
}
