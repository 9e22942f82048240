package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/config"
	"github.com/kalambet/vibelink/internal/learning"
	"github.com/kalambet/vibelink/internal/orchestrator"
	"github.com/kalambet/vibelink/internal/profile"
	"github.com/kalambet/vibelink/internal/protocol"
	"github.com/kalambet/vibelink/internal/reconcile"
	"github.com/kalambet/vibelink/internal/session"
	"github.com/kalambet/vibelink/internal/storage"
	"github.com/kalambet/vibelink/internal/transport"
)

// --- connect ---

var connectCmd = &cobra.Command{
	Use:   "connect <ws-url>",
	Short: "Run one session with a remote peer",
	Long: `Dial a peer listener and run a single compatibility and learning session.

Examples:
  vibelink connect ws://10.0.0.7:4110/peer
  vibelink connect ws://peer.local:4110/peer --drain`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		drain, _ := cmd.Flags().GetBool("drain")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := openNode(cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signalContext()
		defer stop()

		if err := n.requireProfile(ctx); err != nil {
			return err
		}
		orch, err := n.orchestrator()
		if err != nil {
			return err
		}
		defer orch.Shutdown(context.Background())

		printStep("Dialing %s", args[0])
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Peer.HandshakeTimeout)
		peer, err := transport.Dial(dialCtx, args[0], n.signature)
		cancel()
		if err != nil {
			return err
		}

		res, err := orch.HandlePeerDiscovered(peer).Wait(ctx)
		printSessionResult(res)
		if err != nil && !errors.Is(err, session.ErrConflictExhausted) {
			return err
		}

		if drain {
			backend := n.syncBackend()
			if backend == nil {
				printWarning("sync.url not set; nothing to drain to")
				return nil
			}
			sent, err := n.queue.Drain(ctx, backend)
			if err != nil {
				return fmt.Errorf("draining outbox: %w", err)
			}
			printSuccess("Uploaded %d records", sent)
		}
		return nil
	},
}

func init() {
	connectCmd.Flags().Bool("drain", false, "upload queued records to sync.url after the session")
}

func printSessionResult(res session.Result) {
	printStatus("Session", "%s", res.SessionID)
	printStatus("Peer", "%s", res.PeerSignature)
	printStatus("Outcome", "%s (%s)", outcomeLabel(res.Outcome()), res.State)
	if res.Compat != nil {
		printStatus("Compatibility", "%.3f (%s)", res.Compat.Score, res.Compat.Depth)
	}
	if res.Insight != nil && res.Insight.HasAdjustments() {
		for _, d := range sortedKeys(res.Insight.DimensionAdjustments) {
			if adj := res.Insight.DimensionAdjustments[d]; adj != 0 {
				printStatus("  "+d, "%+.3f", adj)
			}
		}
	}
	if res.Profile != nil {
		printStatus("Profile version", "%d", res.Profile.Version)
	}
	if res.Err != nil {
		printStatus("Error", "%v", res.Err)
	}
}

// --- score ---

var scoreCmd = &cobra.Command{
	Use:   "score <local.json> <remote.json>",
	Short: "Score two profiles offline and show what the local one would learn",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		local, err := readProfileFile(args[0])
		if err != nil {
			return err
		}
		remote, err := readProfileFile(args[1])
		if err != nil {
			return err
		}

		out, err := scoreProfiles(cfg, local, remote)
		if err != nil {
			return err
		}
		return writeIndented(os.Stdout, out)
	},
}

type scoreOutput struct {
	compat.Result
	Insight profile.Insight `json:"insight"`
}

func scoreProfiles(cfg config.Config, local, remote profile.Profile) (scoreOutput, error) {
	th, err := cfg.Thresholds()
	if err != nil {
		return scoreOutput{}, err
	}
	w, err := cfg.Weights()
	if err != nil {
		return scoreOutput{}, err
	}
	scorer, err := compat.NewScorer(th, w)
	if err != nil {
		return scoreOutput{}, err
	}
	engine, err := learning.NewEngine(cfg.LearningParams())
	if err != nil {
		return scoreOutput{}, err
	}
	res := scorer.Score(local, remote)
	return scoreOutput{
		Result:  res,
		Insight: engine.ProposeAdjustment("offline", local, remote, res),
	}, nil
}

func readProfileFile(path string) (profile.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var wp protocol.WireProfile
	if err := json.Unmarshal(data, &wp); err != nil {
		return profile.Profile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	p, err := wp.Profile()
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the local personality profile",
}

var profileInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Onboard the local profile",
	Long: `Create the owner's profile. Every core dimension starts at 0.5 unless set.

Examples:
  vibelink profile init --dim openness=0.8 --dim crowd_tolerance=0.3
  vibelink profile init --energy 0.7 --social 0.4 --confidence 0.9`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dims, _ := cmd.Flags().GetStringArray("dim")
		energy, _ := cmd.Flags().GetFloat64("energy")
		social, _ := cmd.Flags().GetFloat64("social")
		trust, _ := cmd.Flags().GetFloat64("trust")
		conf, _ := cmd.Flags().GetFloat64("confidence")

		p, err := buildProfile(dims, energy, social, trust, conf)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := openNode(cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		created, err := n.profiles.Create(cmd.Context(), cfg.Identity.OwnerID, p)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("profile for %q already exists", cfg.Identity.OwnerID)
		}
		if err != nil {
			return err
		}

		printSuccess("Created profile with %d dimensions", len(created.Dimensions))
		printStatus("Signature", "%s", n.signature)
		return nil
	},
}

func init() {
	profileInitCmd.Flags().StringArray("dim", nil, "dimension value as name=value (repeatable)")
	profileInitCmd.Flags().Float64("energy", 0.5, "energy level [0,1]")
	profileInitCmd.Flags().Float64("social", 0.5, "social preference [0,1]")
	profileInitCmd.Flags().Float64("trust", 0.5, "trust network score [0,1]")
	profileInitCmd.Flags().Float64("confidence", 0.8, "self-assessed confidence for every dimension [0,1]")
}

// buildProfile starts from the core dimensions at 0.5 and applies name=value overrides.
func buildProfile(dims []string, energy, social, trust, conf float64) (profile.Profile, error) {
	values := make(map[string]float64, len(profile.DefaultDimensions))
	for _, d := range profile.DefaultDimensions {
		values[d] = 0.5
	}
	for _, kv := range dims {
		name, raw, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return profile.Profile{}, fmt.Errorf("invalid --dim %q, want name=value", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("invalid --dim %q: %w", kv, err)
		}
		if v < 0 || v > 1 {
			return profile.Profile{}, fmt.Errorf("invalid --dim %q: value outside [0,1]", kv)
		}
		values[name] = v
	}
	if len(values) > profile.MaxDimensions {
		return profile.Profile{}, profile.ErrTooManyDimensions
	}

	confidence := make(map[string]float64, len(values))
	for d := range values {
		confidence[d] = conf
	}
	p := profile.Profile{
		Dimensions:          values,
		DimensionConfidence: confidence,
		EnergyLevel:         energy,
		SocialPreference:    social,
		TrustNetworkScore:   trust,
	}
	p.Normalize()
	return p, nil
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p any
		if err := client.getJSON(cmd.Context(), "/profile", &p); err != nil {
			return err
		}
		return writeIndented(os.Stdout, p)
	},
}

var profileDiversityCmd = &cobra.Command{
	Use:   "diversity",
	Short: "Show how far the stored profiles have converged since onboarding",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var d struct {
			Profiles          int     `json:"profiles"`
			Diversity         float64 `json:"diversity"`
			BaselineDiversity float64 `json:"baseline_diversity"`
			Homogenization    float64 `json:"homogenization"`
		}
		if err := client.getJSON(cmd.Context(), "/diversity", &d); err != nil {
			return err
		}
		printStatus("Profiles", "%d", d.Profiles)
		printStatus("Diversity", "%.4f (baseline %.4f)", d.Diversity, d.BaselineDiversity)
		label := fmt.Sprintf("%.1f%%", d.Homogenization*100)
		if d.Homogenization > 0.5 {
			label = colorize(colorYellow, label)
		}
		printStatus("Homogenization", "%s", label)
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileInitCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileDiversityCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the reconciliation outbox",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var s reconcile.Stats
		if err := client.getJSON(cmd.Context(), "/queue", &s); err != nil {
			return err
		}
		printStatus("Outbox", "%s", queueLabel(s))
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Upload queued records to sync.url now",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := openNode(cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		backend := n.syncBackend()
		if backend == nil {
			return fmt.Errorf("sync.url is not set")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		sent, err := reconcile.NewWorker(n.queue, backend, cfg.Sync.Interval).RunOnce(ctx)
		if err != nil {
			printWarning("Uploaded %d records before failing", sent)
			return err
		}
		printSuccess("Uploaded %d records", sent)
		if st, err := n.queue.Stats(); err == nil && !st.RetryAt.IsZero() {
			printWarning("Outbox is backing off after a failed upload: %s", queueLabel(st))
		}
		return nil
	},
}

func init() {
	queueDrainCmd.Flags().Duration("timeout", time.Minute, "give up after this long")
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List running peer sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var s struct {
			Active  []orchestrator.Status `json:"active"`
			Pending int                   `json:"pending"`
		}
		if err := client.getJSON(cmd.Context(), "/sessions", &s); err != nil {
			return err
		}
		if len(s.Active) == 0 {
			fmt.Println("No sessions running.")
		}
		for _, st := range s.Active {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, shortID(st.SessionID)), st.PeerSignature, st.State)
		}
		if s.Pending > 0 {
			printStatus("Pending", "%d", s.Pending)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if cfg.Sync.Token != "" {
			fmt.Printf("  %s = %s\n", colorize(colorBold, "sync.token"), "(set)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the sync sink bearer token in the secrets file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSyncToken(args[0]); err != nil {
			return err
		}
		printSuccess("Stored sync token")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
