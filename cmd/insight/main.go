// Package main provides the insight CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/revisely/insight/pkg/config"
	"github.com/revisely/insight/pkg/insight"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configPath string
	var dataDir string

	rootCmd := &cobra.Command{
		Use:   "insight",
		Short: "insight - Retrieval and analytics engine for exam-question content",
		Long: `insight stores embedded exam-question and syllabus fragments and serves
vector, hybrid and keyword search over them, plus topic analytics:
occurrence aggregates, reappearance probability, trending and popularity
rankings driven by an idempotent interaction ledger.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("insight v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize a data directory with a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(dataDir)
		},
	})

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the topic-occurrence aggregate cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}
			return runRefresh(configPath, dataDir, timeout)
		},
	}
	refreshCmd.Flags().Duration("timeout", 5*time.Minute, "Refresh timeout")
	rootCmd.AddCommand(refreshCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(configPath, dataDir)
		},
	})

	trendingCmd := &cobra.Command{
		Use:   "trending [subject]",
		Short: "Show the current trending ranking",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := ""
			if len(args) > 0 {
				subject = args[0]
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return runTrending(configPath, dataDir, subject, limit)
		},
	}
	trendingCmd.Flags().Int("limit", 10, "Maximum ranked items")
	rootCmd.AddCommand(trendingCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openEngine loads the configuration and opens the engine with its search
// indexes rebuilt from storage.
func openEngine(configPath, dataDir string) (*insight.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	eng, err := insight.Open(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := eng.BuildIndexes(context.Background()); err != nil {
		eng.Close()
		return nil, fmt.Errorf("building indexes: %w", err)
	}
	return eng, nil
}

func runInit(dataDir string) error {
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configPath := filepath.Join(dataDir, "insight.yaml")
	configContent := `# insight configuration
storage:
  dataDir: ./data

search:
  questionDimensions: 384
  syllabusDimensions: 384
  m: 16
  efConstruction: 200
  efSearch: 100
  minSimilarity: 0.0

topics:
  confidenceFloor: 0.6
  probabilityHigh: 0.7
  probabilityMedium: 0.3
  yearsBack: 10

interactions:
  viewWeight: 2.0
  favoriteWeight: 3.0
  ageWeight: -0.1
  trendingWindow: 168h

cache:
  enabled: true
  size: 1024
  ttl: 5m

logging:
  level: info
  format: json
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Initialized %s\n", dataDir)
	fmt.Printf("Config written to %s\n", configPath)
	return nil
}

func runRefresh(configPath, dataDir string, timeout time.Duration) error {
	eng, err := openEngine(configPath, dataDir)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	status, err := eng.RefreshTopicAggregates(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	state, ver := eng.AggregatorState()
	fmt.Printf("Refresh: %s (state %s, version %d) in %v\n",
		status, state, ver, time.Since(start).Round(time.Millisecond))
	return nil
}

func runStats(configPath, dataDir string) error {
	eng, err := openEngine(configPath, dataDir)
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := eng.Stats()
	if err != nil {
		return err
	}

	fmt.Println("Engine statistics:")
	fmt.Printf("  Question fragments: %d\n", st.QuestionFragments)
	fmt.Printf("  Syllabus fragments: %d\n", st.SyllabusFragments)
	fmt.Printf("  Topic mappings:     %d\n", st.Mappings)
	fmt.Printf("  Aggregates:         %s (version %d)\n", st.AggregatorState, st.AggregateVersion)
	fmt.Printf("  Result cache:       %d/%d entries, %.1f%% hit rate\n",
		st.Cache.Size, st.Cache.MaxSize, st.Cache.HitRate)
	return nil
}

func runTrending(configPath, dataDir, subject string, limit int) error {
	eng, err := openEngine(configPath, dataDir)
	if err != nil {
		return err
	}
	defer eng.Close()

	ranked := eng.GetTrending(context.Background(), subject, limit)
	if len(ranked) == 0 {
		fmt.Println("No trending items.")
		return nil
	}

	for i, r := range ranked {
		fmt.Printf("%2d. %-40s score=%.2f views=%d favorites=%d\n",
			i+1, r.Fragment.ID, r.Score, r.RecentViews, r.Counters.FavoriteCount)
	}
	return nil
}
