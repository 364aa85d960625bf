package pxe

// Backend is the TFTP server that answers network-boot requests. Exactly one
// backend is active; the resolver emits teardown intents for the other.
type Backend interface {
	// Name identifies the backend in tags and output.
	Name() string

	isBackend()
}

// XinetdBackend serves TFTP with in.tftpd supervised by xinetd.
type XinetdBackend struct{}

// Name implements Backend.
func (XinetdBackend) Name() string { return "xinetd" }

func (XinetdBackend) isBackend() {}

// EmbeddedBackend serves TFTP with the dnsmasq-based daemon shipped for ironic.
type EmbeddedBackend struct {
	// LogFacility is rendered as dnsmasq's log-facility, optional.
	LogFacility string
}

// Name implements Backend.
func (EmbeddedBackend) Name() string { return "embedded" }

func (EmbeddedBackend) isBackend() {}

// backendTag returns the tag carried by every intent a backend owns.
func backendTag(b Backend) string {
	return "tftp-backend:" + b.Name()
}
