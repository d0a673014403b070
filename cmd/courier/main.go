// Command courier submits files over UDP, receives them, and reports on
// in-flight transfers, driven by the node orchestrator in internal/node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantarax/courier/internal/config"
	"github.com/quantarax/courier/internal/errkind"
	"github.com/quantarax/courier/internal/model"
	"github.com/quantarax/courier/internal/node"
	"github.com/quantarax/courier/internal/observability"
	"github.com/quantarax/courier/internal/sendengine"
	"github.com/quantarax/courier/internal/validation"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "send":
		sendCmd(args)
	case "recv":
		recvCmd(args)
	case "status":
		statusCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("courier - reliable file transfer over UDP")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  courier send --to <host:port> [flags] <path>   Submit a file")
	fmt.Println("  courier recv [flags]                            Run as a receiver/relay")
	fmt.Println("  courier status [flags]                          Print bundle and custody state")
	fmt.Println()
	fmt.Println("Run 'courier <command> -h' for command-specific flags")
}

// nodePaths derives the on-disk layout every subcommand shares: one
// database and custody index per listening port under dataDir, so
// concurrent `courier` invocations against different ports never collide.
func nodePaths(dataDir string, port int, destDir string) node.Paths {
	return node.Paths{
		DatabasePath:     filepath.Join(dataDir, fmt.Sprintf("node-%d.db", port)),
		CustodyIndexPath: filepath.Join(dataDir, fmt.Sprintf("node-%d-custody.idx", port)),
		DestDir:          destDir,
	}
}

// loadConfig loads configPath (or the documented defaults when empty)
// and always applies port as the node's listen port, since the CLI's
// --port flag takes precedence over whatever a config file names.
func loadConfig(configPath string, port int) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Node.Port = port
	return cfg, nil
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "destination host:port (required)")
	wait := fs.Bool("wait", false, "block until DELIVERED or TTL expiry")
	fec := fs.Bool("fec", false, "enable forward error correction")
	ttl := fs.Int("ttl", 0, "bundle TTL in seconds (0: use config default)")
	chunk := fs.Int("chunk", 0, "chunk size in bytes (0: use config default)")
	window := fs.Int("window", 0, "send window size in chunks (0: use config default)")
	port := fs.Int("port", 0, "local UDP port (0: ephemeral)")
	configPath := fs.String("config", "", "path to courier.yaml")
	dataDir := fs.String("data-dir", "./courier-data", "directory for the node's database and custody index")
	fs.Parse(args)

	if err := validation.ValidateAddr(*to); err != nil {
		fmt.Fprintf(os.Stderr, "courier send: %v\n", err)
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "courier send: missing <path>")
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)
	if err := validation.ValidateFilePath(path, true); err != nil {
		fmt.Fprintf(os.Stderr, "courier send: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier send: load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "courier send: %v\n", err)
		os.Exit(1)
	}
	// A one-shot sender doesn't share a port-keyed store with a long-running
	// recv node and typically binds an ephemeral port, so it gets its own
	// scratch directory per invocation rather than nodePaths' port-keyed name.
	sendDir, err := os.MkdirTemp(*dataDir, "send-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier send: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("courier-send", "1.0.0", os.Stderr)
	metrics := observability.NewMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), "courier-send")
	if err != nil {
		logger.Error(err, "tracing init failed, continuing without it")
	} else {
		defer shutdownTracing(context.Background())
	}

	paths := node.Paths{
		DatabasePath:     filepath.Join(sendDir, "courier.db"),
		CustodyIndexPath: filepath.Join(sendDir, "custody.idx"),
		DestDir:          filepath.Join(sendDir, "received"),
	}
	n, err := node.Open(cfg, paths, time.Now(), metrics, logger)
	if err != nil {
		logger.Fatal(err, "failed to open node")
	}
	defer n.Close()

	now := time.Now()
	bundleID, err := n.Submit(now, path, model.Endpoint{NodeID: *to, Addr: *to}, sendengine.SubmitOptions{
		ChunkSize:  *chunk,
		WindowSize: *window,
		TTL:        time.Duration(*ttl) * time.Second,
		FECEnabled: *fec,
	})
	if err != nil {
		logger.Error(err, "submit rejected")
		if errors.Is(err, errkind.ErrSubmitRejected) {
			os.Exit(3)
		}
		os.Exit(1)
	}
	logger.Info(fmt.Sprintf("bundle %s submitted to %s", bundleID, *to))

	if !*wait {
		// Fire one tick so the first window of DATA chunks goes out
		// before this process exits; the receiver's SACKs will keep
		// arriving after exit but nothing here is listening for them
		// without --wait, matching "submit a bundle" as a non-blocking verb.
		n.RunOnce(time.Now())
		return
	}

	ttlDeadline := now.Add(time.Duration(*ttl) * time.Second)
	if *ttl <= 0 {
		ttlDeadline = now.Add(time.Duration(cfg.Transfer.TTLSec) * time.Second)
	}
	ticker := time.NewTicker(node.DefaultTickInterval)
	defer ticker.Stop()
	for t := range ticker.C {
		n.RunOnce(t)
		bundle, ok := n.Send.Bundle(bundleID)
		if !ok {
			continue
		}
		switch bundle.State {
		case model.BundleDelivered:
			fmt.Printf("bundle %s DELIVERED (%d bytes, %d chunks retransmitted)\n", bundleID, bundle.BytesSent, bundle.ChunksRetransmitted)
			return
		case model.BundleExpired, model.BundleFailed:
			fmt.Fprintf(os.Stderr, "bundle %s %s\n", bundleID, bundle.State)
			os.Exit(4)
		}
		if t.After(ttlDeadline) {
			fmt.Fprintf(os.Stderr, "bundle %s did not reach DELIVERED before TTL\n", bundleID)
			os.Exit(4)
		}
	}
}

func recvCmd(args []string) {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	port := fs.Int("port", 9100, "local UDP port")
	configPath := fs.String("config", "", "path to courier.yaml")
	dataDir := fs.String("data-dir", "./courier-data", "directory for the node's database and custody index")
	dest := fs.String("dest", "", "destination directory for delivered files (default <data-dir>/received)")
	metricsAddr := fs.String("metrics-addr", "", "address to expose Prometheus metrics on (disabled if empty)")
	fs.Parse(args)

	if err := validation.ValidateRangeInt(*port, 1, 65535); err != nil {
		fmt.Fprintf(os.Stderr, "courier recv: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier recv: load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "courier recv: %v\n", err)
		os.Exit(1)
	}
	destDir := *dest
	if destDir == "" {
		destDir = filepath.Join(*dataDir, "received")
	}

	logger := observability.NewLogger("courier-recv", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), "courier-recv")
	if err != nil {
		logger.Error(err, "tracing init failed, continuing without it")
	} else {
		defer shutdownTracing(context.Background())
	}

	n, err := node.Open(cfg, nodePaths(*dataDir, cfg.Node.Port, destDir), time.Now(), metrics, logger)
	if err != nil {
		logger.Fatal(err, "failed to open node")
	}
	defer n.Close()

	if *metricsAddr != "" {
		health := observability.NewHealthChecker("1.0.0")
		health.RegisterCheck("datagram_socket", observability.DatagramSocketCheck(n.LocalAddr()))
		health.RegisterCheck("database", observability.DatabaseCheck(nodePaths(*dataDir, cfg.Node.Port, destDir).DatabasePath))
		go serveMetrics(*metricsAddr, metrics, health, logger)
	}

	logger.Info(fmt.Sprintf("listening on %s, writing delivered files to %s", n.LocalAddr(), destDir))

	stop := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down gracefully...")
		close(stop)
	}()

	n.Run(stop)
	logger.Info("courier recv stopped")
}

func serveMetrics(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", health.Handler())
	logger.Info("metrics server listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "metrics server stopped")
	}
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	port := fs.Int("port", 9100, "local UDP port of the node to report on")
	dataDir := fs.String("data-dir", "./courier-data", "directory holding the node's database")
	fs.Parse(args)

	paths := nodePaths(*dataDir, *port, "")
	report, err := node.ReadStatus(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier status: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("courier node on port %d\n", *port)
	fmt.Println()
	fmt.Println("BUNDLES")
	for _, b := range report.Bundles {
		fmt.Printf("  %s  %-10s  %10d bytes  %3d chunks  %3d retransmitted\n",
			b.ID, b.State, b.Length, b.TotalChunks, b.ChunksRetransmitted)
		if b.Digest != "" {
			fmt.Printf("      blake3:%s\n", b.Digest)
		}
	}
	if len(report.Bundles) == 0 {
		fmt.Println("  (none)")
	}

	fmt.Println()
	fmt.Println("CUSTODY")
	for _, c := range report.Custody {
		fmt.Printf("  %s  %-10s  retries=%d  ranges=%d\n", c.BundleID, c.State, c.RetryCount, len(c.Ranges))
	}
	if len(report.Custody) == 0 {
		fmt.Println("  (none)")
	}
}
