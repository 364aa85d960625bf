package pxe

import (
	"bytes"
	"fmt"
	"path"
	"text/template"
)

var dnsmasqTFTPTemplate = template.Must(template.New("dnsmasq-tftp-server.conf").Parse(
	`# Managed by ironic-pxe. Local changes are overwritten.
port=0
enable-tftp
tftp-root={{ .TFTPRoot }}
{{- if .BindHost }}
listen-address={{ .BindHost }}
bind-interfaces
{{- end }}
{{- if .LogFacility }}
log-facility={{ .LogFacility }}
{{- end }}
`))

type dnsmasqTFTPData struct {
	TFTPRoot    string
	BindHost    string
	LogFacility string
}

// renderDnsmasqTFTPConfig renders the embedded backend configuration file.
func renderDnsmasqTFTPConfig(cfg Config, backend EmbeddedBackend) string {
	data := dnsmasqTFTPData{
		TFTPRoot:    cfg.TFTPRoot,
		LogFacility: backend.LogFacility,
	}
	if cfg.HasBindHost() {
		data.BindHost = cfg.TFTPBindHost.String()
	}

	var buf bytes.Buffer
	// Data is plain strings; execution cannot fail.
	if err := dnsmasqTFTPTemplate.Execute(&buf, data); err != nil {
		panic(fmt.Sprintf("render dnsmasq tftp config: %v", err))
	}
	return buf.String()
}

// pxelinuxCfgPath returns the per-node boot configuration directory.
func pxelinuxCfgPath(tftpRoot string) string {
	return path.Join(tftpRoot, "pxelinux.cfg")
}

// mapFilePath returns the in.tftpd remapping file under the TFTP root.
func mapFilePath(tftpRoot string) string {
	return path.Join(tftpRoot, "map-file")
}

// mapFileContent prefixes relative requests with the TFTP root.
func mapFileContent(tftpRoot string) string {
	return fmt.Sprintf("r ^([^/]) %s/\\1\n", tftpRoot)
}

// tftpServerArgs returns the in.tftpd arguments for the xinetd entry.
func tftpServerArgs(tftpRoot string) string {
	return fmt.Sprintf("--map-file %s %s", mapFilePath(tftpRoot), tftpRoot)
}
