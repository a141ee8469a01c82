package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/driftlock/driftlock/internal/broker"
	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/journey"
	"github.com/driftlock/driftlock/internal/sched"
	"github.com/driftlock/driftlock/internal/store"
	"github.com/driftlock/driftlock/internal/types"
	"github.com/spf13/cobra"
)

var (
	replayCampaigns string
	replayProfile   string
)

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Feed a JSONL event file through the decision core and print decisions",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayCampaigns, "campaigns", "", "campaign set JSON file (required)")
	replayCmd.Flags().StringVar(&replayProfile, "profile", "", "profile snapshot JSON file (segments, user, features)")
	rootCmd.AddCommand(replayCmd)
}

// replayLine is one JSONL input event.
type replayLine struct {
	DistinctID string           `json:"distinct_id"`
	Name       string           `json:"name"`
	Properties types.Properties `json:"properties,omitempty"`
}

// profileFile is the optional on-disk profile snapshot.
type profileFile struct {
	Segments map[string]bool      `json:"segments,omitempty"`
	User     types.Properties     `json:"user,omitempty"`
	Features []expr.FeatureAccess `json:"features,omitempty"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if replayCampaigns == "" {
		replayCampaigns = cfg.CampaignsFile
	}
	if replayCampaigns == "" {
		return fmt.Errorf("--campaigns required")
	}

	set, err := loadCampaignSet(replayCampaigns)
	if err != nil {
		return err
	}

	profile := &broker.Profile{Campaigns: set}
	if replayProfile != "" {
		if err := loadProfile(replayProfile, profile); err != nil {
			return err
		}
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := store.MigrateUp(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	st, err := store.New(db, logger)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	effects := &printEffects{}
	b := broker.New(st, effects, nil, logger)
	effects.resolve = b.ResolveRemote
	b.OnProfileRefreshed(profile)

	scheduler := sched.New(b, st, nil, cfg.PollInterval, logger)
	b.Machine().SetWaker(scheduler)

	go b.Run(ctx)
	go scheduler.Run(ctx)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line replayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if line.DistinctID == "" || line.Name == "" {
			return fmt.Errorf("line %d: distinct_id and name required", lineNo)
		}

		b.Identify(types.DistinctID(line.DistinctID))
		for u := range b.Handle(ctx, line.Name, line.Properties) {
			printUpdate(lineNo, line, u)
		}
	}
	return scanner.Err()
}

func printUpdate(lineNo int, line replayLine, u broker.Update) {
	switch u.Kind {
	case broker.UpdateFlowShown:
		fmt.Printf("%4d %-24s %-10s campaign=%s content=%s\n", lineNo, line.Name, u.Kind, u.CampaignID, u.ContentID)
	case broker.UpdateJourney:
		fmt.Printf("%4d %-24s %-10s campaign=%s journey=%s\n", lineNo, line.Name, u.Kind, u.CampaignID, u.JourneyID)
	case broker.UpdateError:
		fmt.Printf("%4d %-24s %-10s error=%v\n", lineNo, line.Name, u.Kind, u.Err)
	default:
		fmt.Printf("%4d %-24s %s\n", lineNo, line.Name, u.Kind)
	}
}

func loadCampaignSet(path string) (*campaign.Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaigns file: %w", err)
	}
	var campaigns []*campaign.Campaign
	if err := json.Unmarshal(raw, &campaigns); err != nil {
		return nil, fmt.Errorf("failed to parse campaigns file: %w", err)
	}
	set, err := campaign.NewSet(campaigns)
	if err != nil {
		return nil, fmt.Errorf("invalid campaign set: %w", err)
	}
	return set, nil
}

func loadProfile(path string, dst *broker.Profile) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile file: %w", err)
	}
	var pf profileFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("failed to parse profile file: %w", err)
	}

	dst.Segments = pf.Segments
	dst.User = pf.User
	if len(pf.Features) > 0 {
		dst.Features = make(map[string]expr.FeatureAccess, len(pf.Features))
		for _, fa := range pf.Features {
			dst.Features[broker.FeatureKey(fa.FeatureID, fa.EntityID)] = fa
		}
	}
	return nil
}

// printEffects renders content as stdout lines and resolves remote calls
// successfully, which keeps replays self-contained.
type printEffects struct {
	resolve func(types.JourneyID, bool) bool
}

func (e *printEffects) ShowContent(ctx context.Context, j *journey.Journey, contentID string) error {
	fmt.Printf("     show-content journey=%s content=%s\n", j.ID, contentID)
	return nil
}

func (e *printEffects) StartRemoteCall(ctx context.Context, j *journey.Journey, actionID string) error {
	fmt.Printf("     remote-call journey=%s action=%s\n", j.ID, actionID)
	if e.resolve != nil {
		id := j.ID
		go e.resolve(id, true)
	}
	return nil
}
