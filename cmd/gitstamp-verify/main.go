// gitstamp-verify implements the `validate [<ref>]` reference CLI
// (spec §6): it walks a commit's ancestry, checks every timestamp
// commit it finds, and reports per-commit verdicts on stdout.
//
// Exit status is 0 iff every timestamp commit in the walked ancestry
// carries at least one valid token; 1 otherwise.
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

	"gopkg.in/yaml.v3"

	"gitstamp/internal/chainbuild"
	"gitstamp/internal/crlfetch"
	"gitstamp/internal/daemonconfig"
	"gitstamp/internal/fetchcache"
	"gitstamp/internal/gitvcs"
	"gitstamp/internal/ltvstore"
	"gitstamp/internal/obslog"
	"gitstamp/internal/trustanchors"
	"gitstamp/internal/tsaclient"
	"gitstamp/internal/walker"
)

func main() {
	configPath := flag.String("config", "", "operator config path (default ~/.gitstamp/config.toml)")
	format := flag.String("format", "text", "report format: text or yaml")
	flag.Parse()

	ref := "HEAD"
	if flag.NArg() > 0 {
		ref = flag.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ok, err := run(ctx, *configPath, ref, *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitstamp-verify: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, ref, format string) (bool, error) {
	wd, err := os.Getwd()
	if err != nil {
		return false, fmt.Errorf("getwd: %w", err)
	}

	repo, err := gitvcs.Open(ctx, wd)
	if err != nil {
		return false, err
	}

	cfg, err := daemonconfig.Load(configPath)
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return false, err
	}

	log, err := obslog.New(os.Stderr, slog.LevelWarn, cfg.AuditLogPath)
	if err != nil {
		return false, err
	}
	defer log.Close()

	trustDir := cfg.TrustAnchorDir
	if trustDir == "" {
		gitDir, err := repo.GitDir(ctx)
		if err != nil {
			return false, err
		}
		trustDir = filepath.Join(gitDir, "hooks", "trustanchors")
	}
	trust, err := trustanchors.Open(trustDir, log)
	if err != nil {
		return false, err
	}

	cache, err := fetchcache.Open(cfg.FetchCachePath, time.Duration(cfg.CRLCacheTTLSeconds)*time.Second)
	if err != nil {
		return false, err
	}
	defer cache.Close()

	chains := chainbuild.New(cache, trust, log)
	crls := crlfetch.New(cache, log)
	ltv := ltvstore.Open(repo.Dir)
	client := tsaclient.New(time.Duration(cfg.RequestTimeoutSeconds) * time.Second)

	w := walker.New(repo, ltv, chains, crls, trust, client, log)

	report, err := w.Validate(ctx, ref)
	if err != nil {
		return false, err
	}

	switch format {
	case "yaml":
		out, err := yaml.Marshal(report)
		if err != nil {
			return false, fmt.Errorf("marshal report: %w", err)
		}
		os.Stdout.Write(out)
	default:
		for _, cr := range report.Commits {
			if line := cr.Summary(); line != "" {
				fmt.Println(line)
			}
			for _, tv := range cr.Tokens {
				if tv.Skipped {
					fmt.Fprintf(os.Stderr, "warning: commit %s: unparsed Timestamp: trailer for %s skipped\n", cr.Commit, tv.TSAURL)
				} else if !tv.Valid {
					fmt.Fprintf(os.Stderr, "warning: commit %s: token from %s invalid: %s\n", cr.Commit, tv.TSAURL, tv.Reason)
				}
			}
		}
	}

	return report.OK, nil
}
