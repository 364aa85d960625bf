// Package pxe resolves the network-boot configuration of an ironic host
// into a declarative resource set.
//
// A RawConfig is validated into a Config, a PlatformProfile is looked up
// from host facts, and Resolve combines the two into an engine.ResourceSet:
// the TFTP and HTTP roots, exactly one TFTP backend (xinetd supervised
// in.tftpd or the embedded dnsmasq server) with teardown of the other,
// iPXE chainload images and optional syslinux boot files. Disabled
// features resolve to absent intents so a converger can remove them.
package pxe
