// Package config loads ironic-pxe configuration files.
//
// # Overview
//
// A configuration file may be written in CUE, YAML or JSON. Every format
// is checked against the embedded #Config schema (schema/config.cue), which
// also supplies defaults such as the SSH port of a host. The result is a
// Document holding the unvalidated pxe settings, the optional healthcheck
// and inspector database parameters, and the hosts to converge.
//
//	loader, err := config.NewLoader(logger)
//	if err != nil {
//	    return err
//	}
//	doc, err := loader.Load(ctx, "/etc/ironic-pxe/config.cue")
//
// # CUE Configuration Structure
//
//	pxe: {
//	    tftp_root:       "/var/lib/tftpboot"
//	    tftp_bind_host:  "192.0.2.10"
//	    syslinux_path:   false
//	}
//	hosts: [{name: "conductor-1", user: "cloud-user"}]
//	overrides: "overrides.star"
//
// # Overrides
//
// The file may name a Starlark script defining overrides(facts, config).
// It is called once per host with the host facts and the current pxe
// settings, and returns a dict of pxe settings merged over the file:
//
//	def overrides(facts, config):
//	    if facts["osfamily"] == "RedHat":
//	        return {"tftp_use_xinetd": False}
//	    return {}
//
// Scripts have no filesystem or network access and run under a timeout
// and an execution step limit.
//
// # Errors
//
// Schema and decoding problems are returned as a *LoadError listing every
// ValidationError with its file position, when CUE knows it.
//
// # Watching
//
// Watcher reloads the file and its override script on change, debounced.
// A reload that fails validation keeps the previous document.
package config
