package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"thermalign/internal/config"
	"thermalign/internal/logging"
	"thermalign/internal/orchestrator"
	"thermalign/internal/pipeline"
	"thermalign/internal/register"
	"thermalign/internal/storage"
)

// Smoke test: align a real flight directory into a scratch directory with a
// private ledger, then print what the ledger recorded.
func main() {
	input := flag.String("input", "", "directory of DJI _T/_Z captures")
	workers := flag.Int("workers", 2, "parallel pairs")
	flag.Parse()
	if *input == "" {
		log.Fatal("usage: test-integration -input <dir>")
	}

	fmt.Println("🔍 Testing alignment + ledger integration")

	scratch, err := os.MkdirTemp("", "thermalign-it-*")
	if err != nil {
		log.Fatal("Failed to create scratch dir:", err)
	}
	fmt.Printf("📁 Output: %s\n", scratch)

	store, err := storage.New(filepath.Join(scratch, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	logger := logging.New("info", "text")
	cfg := config.DefaultRegistration()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	pipe := pipeline.New(ctx, *workers, logger, store, register.NewAligner(cfg, logger), cfg.JPEGQuality)
	defer pipe.Stop()

	orch := orchestrator.New(logger, store, pipe)
	orch.Progress = os.Stdout

	sum, err := orch.Run(ctx, *input, filepath.Join(scratch, "aligned"))
	if err != nil {
		log.Fatal("Run failed:", err)
	}
	fmt.Printf("✅ Run %s finished in %s\n", sum.RunID, sum.Duration.Round(time.Millisecond))

	pairs, err := store.RunPairs(sum.RunID)
	if err != nil {
		log.Fatal("Failed to read ledger:", err)
	}

	byMethod := map[string]int{}
	byReason := map[string]int{}
	for _, p := range pairs {
		byMethod[p.Method]++
		if p.Reason != "" {
			byReason[p.Reason]++
		}
	}

	fmt.Printf("📊 Ledger Stats:\n")
	fmt.Printf("   Pairs recorded: %d\n", len(pairs))
	fmt.Printf("   Succeeded: %d, Failed: %d\n", sum.Succeeded, sum.Failed)
	for method, n := range byMethod {
		fmt.Printf("   %s: %d\n", method, n)
	}
	for reason, n := range byReason {
		fmt.Printf("   fallback reason %s: %d\n", reason, n)
	}
	if len(pairs) != sum.Pairs {
		log.Fatalf("ledger recorded %d pairs, expected %d", len(pairs), sum.Pairs)
	}
}
