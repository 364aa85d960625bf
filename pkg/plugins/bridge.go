package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// Exported function names of the plugin ABI.
const (
	exportMalloc         = "malloc"
	exportFree           = "free"
	exportProfileResolve = "profile_resolve"
)

// wasmBridge calls JSON-in JSON-out functions of a plugin module.
//
// Every call copies the input into memory obtained from the module's
// malloc, calls fn(ptr, len) and reads the packed result
// (output_ptr << 32 | output_len) back before handing the output to free.
type wasmBridge struct {
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	resolve api.Function
	timeout time.Duration
}

func newWASMBridge(module api.Module, timeout time.Duration) (*wasmBridge, error) {
	b := &wasmBridge{timeout: timeout}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	required := map[string]*api.Function{
		exportMalloc:         &b.malloc,
		exportFree:           &b.free,
		exportProfileResolve: &b.resolve,
	}
	for name, fn := range required {
		*fn = module.ExportedFunction(name)
		if *fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}

	return b, nil
}

// ResolveProfile calls profile_resolve with the facts JSON.
func (b *wasmBridge) ResolveProfile(ctx context.Context, factsJSON []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.call(ctx, b.resolve, factsJSON)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", exportProfileResolve, err)
	}
	return out, nil
}

func (b *wasmBridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("output [%d, +%d) is outside WASM memory", outputPtr, outputLen)
	}
	// Read returns a view into linear memory; copy before free can reuse it.
	output := make([]byte, len(view))
	copy(output, view)

	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

func (b *wasmBridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *wasmBridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
