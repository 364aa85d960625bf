// Package probe verifies a converged TFTP root by downloading boot images
// from the running TFTP service.
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pin/tftp"
	"github.com/rs/zerolog"
)

// DefaultPort is the TFTP port used when the server address has none.
const DefaultPort = "69"

// ErrMismatch is returned when a downloaded file differs from its local
// copy.
var ErrMismatch = errors.New("content mismatch")

// Recorder receives probe measurements.
type Recorder interface {
	RecordProbe(status string, duration time.Duration)
}

// Config configures a TFTPProbe.
type Config struct {
	// Server is the TFTP server as host or host:port.
	Server string

	// Timeout is the per-packet timeout.
	Timeout time.Duration

	// Retries is the number of retransmissions per packet.
	Retries int

	// ExpectDir, when set, is a local copy of the TFTP root. Downloads
	// are compared byte for byte against it.
	ExpectDir string
}

// Result is the outcome of probing one file.
type Result struct {
	File     string        `json:"file"`
	Bytes    int64         `json:"bytes"`
	SHA256   string        `json:"sha256,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`

	err error
}

// OK reports whether the file was read back successfully.
func (r *Result) OK() bool {
	return r.err == nil
}

// Err returns the probe failure, if any.
func (r *Result) Err() error {
	return r.err
}

// TFTPProbe reads files back from a TFTP server.
type TFTPProbe struct {
	config   Config
	addr     string
	logger   zerolog.Logger
	recorder Recorder
}

// NewTFTPProbe validates cfg and returns a probe. recorder may be nil.
func NewTFTPProbe(cfg Config, logger zerolog.Logger, recorder Recorder) (*TFTPProbe, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("tftp server address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}

	addr := cfg.Server
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort)
	}

	return &TFTPProbe{
		config:   cfg,
		addr:     addr,
		logger:   logger.With().Str("server", addr).Logger(),
		recorder: recorder,
	}, nil
}

// Probe downloads each file in order. Individual failures are reported in
// the results; the error is non-nil only when ctx ends first.
func (p *TFTPProbe) Probe(ctx context.Context, files []string) ([]*Result, error) {
	results := make([]*Result, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, p.probeFile(ctx, f))
	}
	return results, nil
}

func (p *TFTPProbe) probeFile(ctx context.Context, filename string) *Result {
	start := time.Now()
	res := &Result{File: filename}

	clean, err := sanitizeFilename(filename)
	if err == nil {
		res.File = clean
		res.Bytes, res.SHA256, err = p.download(ctx, clean)
	}
	if err == nil && p.config.ExpectDir != "" {
		err = p.compare(clean, res.SHA256)
	}

	res.Duration = time.Since(start)
	status := "ok"
	if err != nil {
		res.err = err
		res.Error = err.Error()
		status = "failed"
		if errors.Is(err, ErrMismatch) {
			status = "mismatch"
		}
		p.logger.Warn().Err(err).Str("file", res.File).Msg("TFTP probe failed")
	} else {
		p.logger.Info().
			Str("file", res.File).
			Int64("bytes", res.Bytes).
			Dur("duration", res.Duration).
			Msg("TFTP probe succeeded")
	}

	if p.recorder != nil {
		p.recorder.RecordProbe(status, res.Duration)
	}
	return res
}

type download struct {
	n   int64
	sum string
	err error
}

// download fetches a file in octet mode. The tftp client has no context
// support; on cancellation the transfer is abandoned and finishes on its
// own timeout.
func (p *TFTPProbe) download(ctx context.Context, filename string) (int64, string, error) {
	client, err := tftp.NewClient(p.addr)
	if err != nil {
		return 0, "", fmt.Errorf("tftp client: %w", err)
	}
	client.SetTimeout(p.config.Timeout)
	client.SetRetries(p.config.Retries)

	done := make(chan download, 1)
	go func() {
		wt, err := client.Receive(filename, "octet")
		if err != nil {
			done <- download{err: fmt.Errorf("read request for %s: %w", filename, err)}
			return
		}
		h := sha256.New()
		n, err := wt.WriteTo(h)
		if err != nil {
			done <- download{n: n, err: fmt.Errorf("transfer of %s: %w", filename, err)}
			return
		}
		done <- download{n: n, sum: hex.EncodeToString(h.Sum(nil))}
	}()

	select {
	case d := <-done:
		return d.n, d.sum, d.err
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
}

func (p *TFTPProbe) compare(filename, sum string) error {
	f, err := os.Open(filepath.Join(p.config.ExpectDir, filepath.FromSlash(filename)))
	if err != nil {
		return fmt.Errorf("local copy: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("local copy: %w", err)
	}
	local := hex.EncodeToString(h.Sum(nil))
	if local != sum {
		return fmt.Errorf("%w: %s served sha256 %s, local %s", ErrMismatch, filename, sum, local)
	}
	return nil
}

// sanitizeFilename rejects names that would escape the TFTP root.
func sanitizeFilename(filename string) (string, error) {
	filename = strings.TrimSpace(filename)
	filename = strings.TrimPrefix(filename, "/")
	if filename == "" {
		return "", fmt.Errorf("empty filename")
	}
	if strings.Contains(filename, "\\") {
		return "", fmt.Errorf("invalid path separator in %q", filename)
	}
	for _, part := range strings.Split(filename, "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal in %q", filename)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+filename), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	return clean, nil
}

// Failed returns the results that did not succeed.
func Failed(results []*Result) []*Result {
	var out []*Result
	for _, r := range results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
