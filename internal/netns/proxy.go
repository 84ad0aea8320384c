package netns

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/sandkit/sandkit/internal/logger"
)

// connectProxy is an HTTP CONNECT proxy that only allows connections to an
// allowlist of domains. Unlike a host-side proxy, the helper process that
// owns it runs inside the sandbox's own network namespace, so every
// connection it dials already carries that namespace's routing.
type connectProxy struct {
	listener  net.Listener
	server    *http.Server
	domains   map[string]bool
	wildcards []string
	mu        sync.Mutex
	closed    bool
}

func startConnectProxy(domains []string) (*connectProxy, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("netns: proxy listen: %w", err)
	}

	p := &connectProxy{
		listener: lis,
		domains:  make(map[string]bool),
	}
	for _, d := range domains {
		if strings.HasPrefix(d, "*.") {
			p.wildcards = append(p.wildcards, d[1:])
		} else {
			p.domains[d] = true
		}
	}

	p.server = &http.Server{Handler: p}
	go func() {
		if err := p.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Log.Warn("netns proxy serve error", "error", err)
		}
	}()

	logger.Log.Info("netns proxy listening", "addr", lis.Addr().String(), "domains", len(p.domains), "wildcards", len(p.wildcards))
	return p, nil
}

func (p *connectProxy) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

func (p *connectProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.server.Close()
}

func (p *connectProxy) allowed(host string) bool {
	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}

	if len(p.domains) == 0 && len(p.wildcards) == 0 {
		return true // no allowlist configured means unrestricted outbound
	}
	if p.domains[domain] {
		return true
	}
	for _, w := range p.wildcards {
		if strings.HasSuffix(domain, w) {
			return true
		}
	}
	return false
}

func (p *connectProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "only CONNECT supported", http.StatusMethodNotAllowed)
		return
	}

	if !p.allowed(r.Host) {
		logger.Log.Warn("netns proxy blocked connection", "host", r.Host)
		http.Error(w, "domain not allowed", http.StatusForbidden)
		return
	}

	target, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, fmt.Sprintf("dial: %v", err), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		target.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	client, _, err := hj.Hijack()
	if err != nil {
		target.Close()
		return
	}

	go func() {
		io.Copy(target, client)
		target.Close()
	}()
	go func() {
		io.Copy(client, target)
		client.Close()
	}()
}
