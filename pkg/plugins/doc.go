// Package plugins loads WASM profile plugins with wazero.
//
// A profile plugin maps host facts to a pxe.PlatformProfile for platforms
// the built-in Debian and RedHat profiles do not cover. Plugins run in a
// sandbox with WASI and a single host import, env.log; they have no file
// system or network access.
//
// A plugin is either a bare .wasm file or a YAML manifest:
//
//	name: suse-profile
//	version: 0.1.0
//	entrypoint: suse.wasm
//	checksum: 3f1c...   # optional hex SHA256 of the module
//	os_families: [Suse]
//
// See ProfilePlugin for the exported function ABI.
package plugins
