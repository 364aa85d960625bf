// Command suse-profile is an ironic-pxe profile plugin for SUSE Linux
// Enterprise and openSUSE Leap conductors.
//
// Build it as a WASI reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o suse-profile.wasm .
//
// and pass plugin.yaml to ironic-pxe with --profile-plugin.
package main

func main() {}
