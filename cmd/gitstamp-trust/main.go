// gitstamp-trust implements the `trust <tsa_url>` reference CLI
// (spec §6): it requests a token from the given TSA, follows its
// certificate chain to a self-signed root, and — after the operator
// confirms the root's fingerprint — installs that root into the
// trust store used only for timestamp-token validation (spec §3,
// "Trust store"; strictly isolated from any host-OS trust store).
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gitstamp/internal/chainbuild"
	"gitstamp/internal/daemonconfig"
	"gitstamp/internal/digestbind"
	"gitstamp/internal/fetchcache"
	"gitstamp/internal/gitvcs"
	"gitstamp/internal/obslog"
	"gitstamp/internal/primitives"
	"gitstamp/internal/trustanchors"
	"gitstamp/internal/tsaclient"
)

func main() {
	configPath := flag.String("config", "", "operator config path (default ~/.gitstamp/config.toml)")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gitstamp-trust [--yes] <tsa_url>")
		os.Exit(2)
	}
	tsaURL := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, tsaURL, *yes); err != nil {
		fmt.Fprintf(os.Stderr, "gitstamp-trust: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, tsaURL string, skipConfirm bool) error {
	cfg, err := daemonconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := obslog.New(os.Stderr, slog.LevelInfo, cfg.AuditLogPath)
	if err != nil {
		return err
	}
	defer log.Close()

	trustDir := cfg.TrustAnchorDir
	if trustDir == "" {
		// Prefer the current repository's own trust store; fall back
		// to the operator-wide directory when run outside one.
		trustDir = filepath.Join(filepath.Dir(cfg.AuditLogPath), "trustanchors")
		if wd, wderr := os.Getwd(); wderr == nil {
			if repo, openErr := gitvcs.Open(ctx, wd); openErr == nil {
				if gitDir, gerr := repo.GitDir(ctx); gerr == nil {
					trustDir = filepath.Join(gitDir, "hooks", "trustanchors")
				}
			}
		}
	}
	trust, err := trustanchors.Open(trustDir, log)
	if err != nil {
		return err
	}

	cache, err := fetchcache.Open(cfg.FetchCachePath, time.Duration(cfg.CRLCacheTTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	defer cache.Close()

	client := tsaclient.New(time.Duration(cfg.RequestTimeoutSeconds) * time.Second)
	// Chain building for an as-yet-untrusted root must not verify
	// against the trust store we are about to populate, so this
	// Builder is constructed with Trust == nil: chainbuild.Build then
	// skips the final verifyAgainstTrust step entirely.
	chains := chainbuild.New(cache, nil, log)

	digest, err := randomDigest()
	if err != nil {
		return err
	}

	tok, err := client.Request(ctx, tsaURL, string(digestbind.SHA256), digest, true)
	if err != nil {
		return fmt.Errorf("request token from %s: %w", tsaURL, err)
	}

	chain, err := chains.Build(ctx, client, tok, digest, tsaURL)
	if err != nil {
		return fmt.Errorf("build certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("empty certificate chain from %s", tsaURL)
	}
	root := chain[len(chain)-1]

	fingerprint := sha256.Sum256(root.Raw)
	fmt.Printf("Root CA for %s:\n  Subject: %s\n  Issuer:  %s\n  SHA-256: %x\n", tsaURL, root.Subject, root.Issuer, fingerprint)

	if !skipConfirm && !confirmed() {
		fmt.Println("not installed.")
		return nil
	}

	hash, err := primitives.CertSubjectHashOpenSSLCompatible(root.Raw)
	if err != nil {
		return fmt.Errorf("compute subject hash: %w", err)
	}
	if err := trust.Install(hash, root.Raw); err != nil {
		return err
	}

	log.Audit("trustanchors", obslog.EventTrustInstall, "ok", map[string]any{"tsa_url": tsaURL, "subject": root.Subject.String()}, nil)
	fmt.Printf("installed as %s.0\n", hash)
	return nil
}

func randomDigest() ([]byte, error) {
	buf := make([]byte, sha256.Size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate probe digest: %w", err)
	}
	return buf, nil
}

func confirmed() bool {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("install this root into the gitstamp trust store? (yes/no): ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		switch strings.TrimSpace(strings.ToLower(input)) {
		case "yes", "y":
			return true
		case "no", "n":
			return false
		}
	}
}
