package plugins

// Minimal WASM modules for tests, assembled by hand so the tests need no
// compiler toolchain. Each module exports memory, a bump-allocating malloc,
// a no-op free and one resolve function, and imports env.log.

const (
	testMessageOffset  = 0
	testResponseOffset = 1024
	testHeapStart      = 16384
)

func uleb(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(n int64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, payload []byte) []byte {
	out := append([]byte{id}, uleb(uint64(len(payload)))...)
	return append(out, payload...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// buildModule assembles a plugin whose resolve export runs body.
func buildModule(resolveExport string, body []byte, message, response string) []byte {
	i32, i64 := []byte{0x7f}, []byte{0x7e}
	types := vec(
		concat([]byte{0x60}, vec(i32, i32, i32), vec()), // log
		concat([]byte{0x60}, vec(i32), vec(i32)),        // malloc
		concat([]byte{0x60}, vec(i32), vec()),           // free
		concat([]byte{0x60}, vec(i32, i32), vec(i64)),   // resolve
	)
	imports := vec(concat(wasmName("env"), wasmName("log"), []byte{0x00}, uleb(0)))
	funcs := vec(uleb(1), uleb(2), uleb(3))
	memory := vec(concat([]byte{0x00}, uleb(1)))
	globals := vec(concat([]byte{0x7f, 0x01, 0x41}, sleb(testHeapStart), []byte{0x0b}))
	exports := vec(
		concat(wasmName("memory"), []byte{0x02}, uleb(0)),
		concat(wasmName("malloc"), []byte{0x00}, uleb(1)),
		concat(wasmName("free"), []byte{0x00}, uleb(2)),
		concat(wasmName(resolveExport), []byte{0x00}, uleb(3)),
	)

	fnBody := func(code []byte) []byte {
		b := concat(vec(), code)
		return concat(uleb(uint64(len(b))), b)
	}
	// global.get 0; global.get 0; local.get 0; i32.add; global.set 0
	malloc := []byte{0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b}
	free := []byte{0x0b}
	code := vec(fnBody(malloc), fnBody(free), fnBody(body))

	data := vec(
		concat([]byte{0x00, 0x41}, sleb(testMessageOffset), []byte{0x0b}, wasmName(message)),
		concat([]byte{0x00, 0x41}, sleb(testResponseOffset), []byte{0x0b}, wasmName(response)),
	)

	return concat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(6, globals),
		section(7, exports),
		section(10, code),
		section(11, data),
	)
}

// fixedResponseModule logs message at info level and returns response.
func fixedResponseModule(message, response string) []byte {
	body := concat(
		[]byte{0x41}, sleb(1),
		[]byte{0x41}, sleb(testMessageOffset),
		[]byte{0x41}, sleb(int64(len(message))),
		[]byte{0x10}, uleb(0),
		[]byte{0x42}, sleb(int64(testResponseOffset)<<32|int64(len(response))),
		[]byte{0x0b},
	)
	return buildModule(exportProfileResolve, body, message, response)
}

// echoModule returns its input unchanged.
func echoModule() []byte {
	// local.get 0; i64.extend_i32_u; i64.const 32; i64.shl;
	// local.get 1; i64.extend_i32_u; i64.or
	body := []byte{0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b}
	return buildModule(exportProfileResolve, body, "", "")
}

// trapModule hits unreachable on every call.
func trapModule() []byte {
	return buildModule(exportProfileResolve, []byte{0x00, 0x0b}, "", "")
}

// moduleWithoutResolve exports its resolve function under another name.
func moduleWithoutResolve() []byte {
	return buildModule("resolve_profile", []byte{0x42, 0x00, 0x0b}, "", "")
}
