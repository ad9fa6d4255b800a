// Package main writes a self-signed TLS certificate and key for running the
// SmartMark server over https on a development machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atinyakov/smartmark/internal/certgen"
)

func main() {
	dir := flag.String("dir", "certs", "output directory")
	hosts := flag.String("hosts", "localhost,127.0.0.1", "comma separated host names and addresses")
	validFor := flag.Duration("valid", 365*24*time.Hour, "certificate lifetime")
	flag.Parse()

	certPath, keyPath, err := run(*dir, strings.Split(*hosts, ","), *validFor)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s and %s\n", certPath, keyPath)
}

// run generates the pair and writes it as server.crt and server.key in dir.
func run(dir string, hosts []string, validFor time.Duration) (string, string, error) {
	var clean []string
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			clean = append(clean, h)
		}
	}
	certPEM, keyPEM, err := certgen.SelfSigned(clean, validFor)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write key: %w", err)
	}
	return certPath, keyPath, nil
}
