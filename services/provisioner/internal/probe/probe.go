// Package probe runs functional checks against the boot services.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/pin/tftp"
)

// Probe names.
const (
	NameTFTP = "tftp"
	NameHTTP = "http"
)

// Result is the outcome of one probe.
type Result struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Target  string        `json:"target"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Err converts a failed result into an error.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s probe %s: %s", r.Name, r.Target, r.Detail)
}

// Prober checks the TFTP and HTTP services of a boot server.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
	// TFTPPort overrides port 69.
	TFTPPort int
}

// TFTP reads file from server and succeeds when at least one byte was transferred.
func (p Prober) TFTP(ctx context.Context, server netip.Addr, file string) Result {
	port := p.TFTPPort
	if port == 0 {
		port = 69
	}
	addr := net.JoinHostPort(server.String(), strconv.Itoa(port))
	res := Result{Name: NameTFTP, Target: addr + "/" + file}
	start := time.Now()
	n, err := p.tftpRead(ctx, addr, file)
	res.Latency = time.Since(start)
	switch {
	case err != nil:
		res.Detail = err.Error()
	case n == 0:
		res.Detail = "empty file"
	default:
		res.OK = true
		res.Detail = strconv.FormatInt(n, 10) + " bytes"
	}
	return res
}

func (p Prober) tftpRead(ctx context.Context, addr, file string) (int64, error) {
	c, err := tftp.NewClient(addr)
	if err != nil {
		return 0, fmt.Errorf("client: %w", err)
	}
	c.SetTimeout(p.timeout())
	c.SetRetries(1)

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		wt, err := c.Receive(file, "octet")
		if err != nil {
			done <- result{err: err}
			return
		}
		n, err := wt.WriteTo(io.Discard)
		done <- result{n: n, err: err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// HTTP fetches url and succeeds on a 200 response whose body starts with the iPXE magic line.
func (p Prober) HTTP(ctx context.Context, url string) Result {
	res := Result{Name: NameHTTP, Target: url}
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	start := time.Now()
	body, err := p.get(ctx, url)
	res.Latency = time.Since(start)
	switch {
	case err != nil:
		res.Detail = err.Error()
	case !bytes.HasPrefix(body, []byte("#!ipxe")):
		res.Detail = "response is not an iPXE script"
	default:
		res.OK = true
		res.Detail = strconv.Itoa(len(body)) + " bytes"
	}
	return res
}

func (p Prober) get(ctx context.Context, url string) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (p Prober) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 5 * time.Second
}

// Errors joins the errors of every failed result.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		errs = append(errs, r.Err())
	}
	return errors.Join(errs...)
}
