package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brandforge/mediacache/cache"
	"github.com/brandforge/mediacache/config"
	"github.com/brandforge/mediacache/logger"
)

var categories = []cache.Category{
	cache.CategoryImage,
	cache.CategoryVideo,
	cache.CategoryTemplate,
	cache.CategoryAPI,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var rootCmd = &cobra.Command{
	Use:   "cachebench",
	Short: "Exercise a tiered cache with a synthetic workload",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic read/write workload and print the telemetry report",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewConsole(logger.GetLevelFromEnv())
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ops, _ := cmd.Flags().GetInt("ops")
		keys, _ := cmd.Flags().GetInt("keys")
		valueSize, _ := cmd.Flags().GetString("value-size")
		compressWrites, _ := cmd.Flags().GetBool("compress")
		seed, _ := cmd.Flags().GetInt64("seed")

		size, err := humanize.ParseBytes(valueSize)
		if err != nil {
			return fmt.Errorf("invalid --value-size %q: %w", valueSize, err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tc, err := cache.FromConfig(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer tc.Close()

		rng := rand.New(rand.NewSource(seed))
		value := make([]byte, size)
		rng.Read(value)

		log.Info("running %d ops over %d keys (%s values, compress=%v)",
			ops, keys, humanize.Bytes(size), compressWrites)

		start := time.Now()
		for i := 0; i < ops; i++ {
			if ctx.Err() != nil {
				log.Warn("interrupted after %d ops", i)
				break
			}
			category := categories[rng.Intn(len(categories))]
			key := fmt.Sprintf("bench-%d", rng.Intn(keys))
			if rng.Intn(10) == 0 {
				opts := []cache.SetOption{cache.WithSize(int64(len(value)))}
				if compressWrites {
					opts = append(opts, cache.WithCompress())
				}
				tc.Set(ctx, category, key, value, opts...)
			} else {
				tc.Get(ctx, category, key)
			}
		}
		elapsed := time.Since(start)

		report, err := tc.Recorder().Export()
		if err != nil {
			return err
		}
		fmt.Println(string(report))
		log.Info("completed in %s (%.0f ops/sec)", elapsed, float64(ops)/elapsed.Seconds())
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print tier usage for the configured durable store",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewConsole(logger.GetLevelFromEnv())
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		tc, err := cache.FromConfig(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer tc.Close()

		stats := tc.GlobalStats(ctx)
		fmt.Printf("durable ready: %v\n", stats.Summary.DurableReady)
		for _, cs := range stats.Categories {
			if cs.Error != "" {
				fmt.Printf("  %-10s error: %s\n", cs.Category, cs.Error)
				continue
			}
			fmt.Printf("  %-10s %d items, %s (hit rate %.1f%%)\n",
				cs.Category, cs.Items, humanize.Bytes(uint64(cs.Bytes)), cs.HitRate*100)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	runCmd.Flags().Int("ops", 10000, "number of cache operations to issue")
	runCmd.Flags().Int("keys", 1000, "size of the key space")
	runCmd.Flags().String("value-size", "4KB", "payload size per write")
	runCmd.Flags().Bool("compress", false, "gzip payloads before durable writes")
	runCmd.Flags().Int64("seed", 42, "workload random seed")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
