package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/timegateapp/timegate/internal/clock"
	"github.com/timegateapp/timegate/internal/config"
	"github.com/timegateapp/timegate/internal/matcher"
	"github.com/timegateapp/timegate/internal/quota"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check gating decisions interactively",
	Long:  `Check how timegate would treat a given navigation against the configured site rules.`,
}

var checkURLCmd = &cobra.Command{
	Use:   "url URL",
	Short: "Check whether a URL is governed",
	Long:  `Check which site rule (if any) matches a URL, whether a global exclude overrides it, and how many budget minutes remain for the matched site today.`,
	Example: `  timegate -c config.yaml check url https://x.com/home
  timegate check url https://x.com/messages`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckURL,
}

func init() {
	checkCmd.AddCommand(checkURLCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckURL(cmd *cobra.Command, args []string) error {
	rawURL := args[0]
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("invalid URL: %s", rawURL)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	kv, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer kv.Close()

	store := quota.NewStore(kv, clock.RealClock{}, logger)
	ctx := context.Background()

	settings, err := store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	m := matcher.New()
	rule := m.MatchRule(rawURL, settings.SiteRules, settings.GlobalExcludePatterns)

	var remaining int
	if rule != nil {
		remaining, err = store.GetRemainingMinutes(ctx, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to compute remaining quota: %w", err)
		}
	}

	// Was the URL excluded despite matching a rule's include patterns?
	excluded := rule == nil && m.MatchRule(rawURL, settings.SiteRules, nil) != nil

	printURLResult(rawURL, rule, excluded, remaining)
	return nil
}

// printURLResult prints the check result with colors
func printURLResult(rawURL string, rule *quota.SiteRule, excluded bool, remaining int) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("NAVIGATION CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("URL:        %s\n", rawURL)
	fmt.Println()

	cyan.Print("Decision:   ")
	switch {
	case rule != nil:
		red.Println("GOVERNED")
		fmt.Println("            → Navigation requires an active session")
		fmt.Printf("Site:       %s (%s)\n", rule.ID, rule.Label)
		fmt.Printf("Budget:     %d minutes/day\n", rule.DailyLimitMinutes)
		if remaining > 0 {
			fmt.Printf("Remaining:  %d minutes today\n", remaining)
		} else {
			yellow.Println("Remaining:  0 minutes (budget exhausted)")
		}
	case excluded:
		yellow.Println("EXCLUDED")
		fmt.Println("            → URL matches a site rule but is globally excluded")
		fmt.Println("            → Navigation proceeds without a session")
	default:
		green.Println("NOT GOVERNED")
		fmt.Println("            → No site rule matches this URL")
		fmt.Println("            → Navigation proceeds untouched")
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
