// gitstamp-hook is the post-commit hook binary: it seals the commit
// `git commit` just produced with one or more RFC3161 trusted
// timestamps, writing a wrapping sealing commit and moving HEAD.
//
// Install by symlinking it into a repository's hooks directory:
//
//	ln -s $(which gitstamp-hook) .git/hooks/post-commit
//
// A repository with no `timestamping.tsa0.url` configured is left
// untouched — this binary is then a silent no-op, never blocking an
// ordinary commit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gitstamp/internal/chainbuild"
	"gitstamp/internal/crlfetch"
	"gitstamp/internal/daemonconfig"
	"gitstamp/internal/digestbind"
	"gitstamp/internal/fetchcache"
	"gitstamp/internal/gitvcs"
	"gitstamp/internal/ltvstore"
	"gitstamp/internal/obslog"
	"gitstamp/internal/orchestrator"
	"gitstamp/internal/tokenvalidate"
	"gitstamp/internal/trustanchors"
	"gitstamp/internal/tsaclient"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "operator config path (default ~/.gitstamp/config.toml)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("gitstamp-hook %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gitstamp-hook: %v\n", err)
		// The orchestrator itself already performed the soft rewind
		// that discards P on a fatal error (spec §4.8 Abort
		// semantics); this exit status only surfaces the failure to
		// the operator's terminal, it does no repository surgery of
		// its own.
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	repo, err := gitvcs.Open(ctx, wd)
	if err != nil {
		return err
	}

	tsas, err := readTSAConfigs(ctx, repo)
	if err != nil {
		return err
	}
	if len(tsas) == 0 {
		// No timestamping.tsa0.url configured: silent no-op.
		return nil
	}

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
		trustDir, err = defaultTrustAnchorDir(ctx, repo)
		if err != nil {
			return err
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

	chains := chainbuild.New(cache, trust, log)
	crls := crlfetch.New(cache, log)
	validator := tokenvalidate.New(chains, crls, trust, log)
	ltv := ltvstore.Open(repo.Dir)
	client := tsaclient.New(time.Duration(cfg.RequestTimeoutSeconds) * time.Second)

	hashAlg, err := repoHashAlgorithm(ctx, repo, log)
	if err != nil {
		return err
	}

	orch := &orchestrator.Orchestrator{
		Repo:          repo,
		Client:        client,
		Chains:        chains,
		CRLs:          crls,
		Validator:     validator,
		LTV:           ltv,
		HashAlg:       hashAlg,
		TSAs:          tsas,
		MaxIterations: cfg.MaxFixedPointIterations,
		Log:           log,
	}

	commit, err := orch.Seal(ctx)
	if err != nil {
		return err
	}
	if commit == "" {
		return nil
	}
	fmt.Fprintf(os.Stderr, "gitstamp: sealed as %s\n", commit)
	return nil
}

// readTSAConfigs scans timestamping.tsa0.url, tsa1.url, ... stopping at
// the first missing index, per the fixed `tsaN` numbering scheme.
func readTSAConfigs(ctx context.Context, repo *gitvcs.Repo) ([]orchestrator.TSAConfig, error) {
	var tsas []orchestrator.TSAConfig
	for n := 0; ; n++ {
		key := fmt.Sprintf("timestamping.tsa%d.url", n)
		url, err := repo.Config(ctx, key)
		if err != nil {
			return nil, err
		}
		if url == "" {
			break
		}
		optional := repo.ConfigBool(ctx, fmt.Sprintf("timestamping.tsa%d.optional", n), false)
		tsas = append(tsas, orchestrator.TSAConfig{URL: url, Optional: optional})
	}
	return tsas, nil
}

// repoHashAlgorithm detects the repository's own declared object-hash
// algorithm, so the digest binder (spec §3.1's first-class H) matches
// the objects it's binding rather than silently assuming SHA-256.
// Older git binaries that predate `--show-object-format` report an
// error here; such a git can only have created a SHA-1 repository, so
// that's the safe fallback.
func repoHashAlgorithm(ctx context.Context, repo *gitvcs.Repo, log *obslog.Logger) (digestbind.Algorithm, error) {
	format, err := repo.ObjectFormat(ctx)
	if err != nil {
		if log != nil {
			log.Warn("gitstamp-hook: could not detect object-format, assuming sha1", "error", err)
		}
		return digestbind.SHA1, nil
	}
	switch digestbind.Algorithm(format) {
	case digestbind.SHA1, digestbind.SHA256:
		return digestbind.Algorithm(format), nil
	default:
		return "", fmt.Errorf("gitstamp-hook: unsupported repository object format %q", format)
	}
}

// defaultTrustAnchorDir resolves <git-common-dir>/hooks/trustanchors,
// the per-repository trust store location when no operator-wide
// override is configured.
func defaultTrustAnchorDir(ctx context.Context, repo *gitvcs.Repo) (string, error) {
	gitDir, err := repo.GitDir(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(gitDir, "hooks", "trustanchors"), nil
}
