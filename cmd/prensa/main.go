package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/avelasquez/prensa/descriptor"
	"github.com/avelasquez/prensa/fetch"
	"github.com/avelasquez/prensa/record"
	"github.com/avelasquez/prensa/run"
)

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		handleRun(os.Args[2:], false)
	case "validate":
		handleRun(os.Args[2:], true)
	case "sources":
		handleSources(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func handleRun(args []string, dryRun bool) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	sitesDir := flags.String("sites", getEnv("PRENSA_SITES_DIR", "sites"), "directory of site descriptor YAML files")
	sourceID := flags.String("source", "", "run a single source (default: all)")
	storageRoot := flags.String("storage", getEnv("PRENSA_STORAGE_ROOT", "output"), "storage root for output batches")
	dedupPath := flags.String("dedup", getEnv("PRENSA_DEDUP_DSN", "seen.db"), "seen-set database path")
	concurrency := flags.Int("concurrency", 4, "detail fetches in flight per source")
	flags.Parse(args)

	descriptors, err := descriptor.LoadDir(*sitesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(descriptors) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no descriptors found in %s\n", *sitesDir)
		os.Exit(1)
	}

	if *sourceID != "" {
		d, ok := descriptors[*sourceID]
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown source: %s\n", *sourceID)
			os.Exit(1)
		}
		descriptors = map[string]*descriptor.Descriptor{d.SourceID: d}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := run.New(fetch.NewClient(nil), nil, run.Options{
		StorageRoot: *storageRoot,
		DedupPath:   *dedupPath,
		DryRun:      dryRun,
		Concurrency: *concurrency,
	})

	manifests := runner.RunAll(ctx, descriptors)

	// The engine reports manifests; mapping them to an exit code is the
	// CLI's call: any failed source is non-zero, rejects alone are a
	// warning.
	exitCode := 0
	for _, id := range descriptor.SourceIDs(descriptors) {
		manifest := manifests[id]
		if manifest == nil {
			continue
		}
		printManifest(manifest)
		if manifest.State == record.RunFailed {
			exitCode = 1
		} else if manifest.Counts.Rejected > 0 {
			fmt.Fprintf(os.Stderr, "Warning: %s rejected %d malformed records\n", id, manifest.Counts.Rejected)
		}
	}
	os.Exit(exitCode)
}

func handleSources(args []string) {
	flags := flag.NewFlagSet("sources", flag.ExitOnError)
	sitesDir := flags.String("sites", getEnv("PRENSA_SITES_DIR", "sites"), "directory of site descriptor YAML files")
	flags.Parse(args)

	descriptors, err := descriptor.LoadDir(*sitesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, id := range descriptor.SourceIDs(descriptors) {
		d := descriptors[id]
		fmt.Printf("%-20s %-30s listing=%s pagination=%s\n", d.SourceID, d.Name, d.Listing.Kind, d.Pagination.Strategy)
	}
}

func printManifest(m *record.RunManifest) {
	c := m.Counts
	fmt.Printf("%s: %s run=%s fetched=%d validated=%d rejected=%d duplicate=%d new=%d failed=%d\n",
		m.SourceID, m.State, m.RunID, c.Fetched, c.Validated, c.Rejected, c.Duplicate, c.New, c.Failed)
	if m.LastError != "" {
		fmt.Printf("%s: last error: %s\n", m.SourceID, m.LastError)
	}
}

func printUsage() {
	fmt.Println("prensa - config-driven newspaper crawl engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  prensa <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Crawl configured sources and persist records")
	fmt.Println("  validate  Dry-run sources: extract and validate, write nothing")
	fmt.Println("  sources   List configured site descriptors")
	fmt.Println("  help      Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PRENSA_SITES_DIR     Descriptor directory (default: sites)")
	fmt.Println("  PRENSA_STORAGE_ROOT  Output root (default: output)")
	fmt.Println("  PRENSA_DEDUP_DSN     Seen-set database path (default: seen.db)")
}
