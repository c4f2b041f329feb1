package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sortition/internal/governance/models"
	"sortition/internal/governance/service"
	"sortition/internal/platform/config"
	id "sortition/pkg/domain"
)

type appOpener func(ctx context.Context, cfg config.Config) (*app, error)

const closeTimeout = 10 * time.Second

// rootCmd is the command tree plus the app its invocation opened.
type rootCmd struct {
	*cobra.Command
	app *app
}

// newRootCmd builds the command tree. open is called once per invocation
// after configuration is loaded.
func newRootCmd(open appOpener) *rootCmd {
	r := &rootCmd{}
	r.Command = &cobra.Command{
		Use:           "sortition",
		Short:         "Operate the governance citizen registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			r.app, err = open(cmd.Context(), cfg)
			return err
		},
	}

	current := func() *app { return r.app }
	r.AddCommand(
		newRedeemCmd(current),
		newPoolCmd(current),
		newInviteCmd(current),
		newCitizensCmd(current),
		newIndexCmd(current),
		newRelayCmd(current),
		newMigrateCmd(current),
	)
	return r
}

// Execute runs the selected command and then closes the app, whether or not
// the command failed. Cobra skips post-run hooks on error, so closing happens
// here instead.
func (r *rootCmd) Execute(ctx context.Context) error {
	err := r.ExecuteContext(ctx)
	if r.app == nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cerr := r.app.Close(closeCtx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close: %w", cerr))
	}
	r.app = nil
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRedeemCmd(current func() *app) *cobra.Command {
	var (
		poolID, inviteID, participantID string
		profile                         models.Profile
	)
	cmd := &cobra.Command{
		Use:   "redeem",
		Short: "Redeem an invite and register the participant as a citizen",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := id.ParsePoolID(poolID)
			if err != nil {
				return err
			}
			invite, err := id.ParseInviteID(inviteID)
			if err != nil {
				return err
			}
			participant, err := id.ParseParticipantID(participantID)
			if err != nil {
				return err
			}

			result, err := current().service.RedeemInvite(cmd.Context(), service.RedeemRequest{
				Pool:        pool,
				Invite:      invite,
				Participant: participant,
				Profile:     profile,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, result.Event)
		},
	}
	f := cmd.Flags()
	f.StringVar(&poolID, "pool", "", "governance pool id")
	f.StringVar(&inviteID, "invite", "", "invite id")
	f.StringVar(&participantID, "participant", "", "participant id")
	f.StringVar(&profile.Name, "name", "", "citizen display name")
	f.Uint8Var(&profile.Region, "region", 0, "region category")
	f.Uint8Var(&profile.AgeGroup, "age-group", 0, "age group category")
	f.Uint8Var(&profile.OtherDemographic, "other-demographic", 0, "other demographic category")
	for _, name := range []string{"pool", "invite", "participant"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newPoolCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect governance pools",
	}
	var poolID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print a pool's counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := id.ParsePoolID(poolID)
			if err != nil {
				return err
			}
			found, err := current().service.GetPool(cmd.Context(), pool)
			if err != nil {
				return err
			}
			return printJSON(cmd, struct {
				*models.GovernancePool
				ActivePage uint32 `json:"active_page"`
			}{found, found.ActivePage()})
		},
	}
	show.Flags().StringVar(&poolID, "pool", "", "governance pool id")
	_ = show.MarkFlagRequired("pool")
	cmd.AddCommand(show)
	return cmd
}

func newInviteCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Inspect invites",
	}
	var inviteID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print an invite",
		RunE: func(cmd *cobra.Command, _ []string) error {
			invite, err := id.ParseInviteID(inviteID)
			if err != nil {
				return err
			}
			found, err := current().service.GetInvite(cmd.Context(), invite)
			if err != nil {
				return err
			}
			return printJSON(cmd, found)
		},
	}
	show.Flags().StringVar(&inviteID, "invite", "", "invite id")
	_ = show.MarkFlagRequired("invite")
	cmd.AddCommand(show)
	return cmd
}

func newCitizensCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citizens",
		Short: "Inspect registered citizens",
	}
	var poolID, participantID string

	list := &cobra.Command{
		Use:   "list",
		Short: "List a pool's citizens in registration order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := id.ParsePoolID(poolID)
			if err != nil {
				return err
			}
			citizens, err := current().service.ListCitizens(cmd.Context(), pool)
			if err != nil {
				return err
			}
			return printJSON(cmd, citizens)
		},
	}
	list.Flags().StringVar(&poolID, "pool", "", "governance pool id")
	_ = list.MarkFlagRequired("pool")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print one citizen",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := id.ParsePoolID(poolID)
			if err != nil {
				return err
			}
			participant, err := id.ParseParticipantID(participantID)
			if err != nil {
				return err
			}
			citizen, err := current().service.GetCitizen(cmd.Context(), pool, participant)
			if err != nil {
				return err
			}
			return printJSON(cmd, citizen)
		},
	}
	show.Flags().StringVar(&poolID, "pool", "", "governance pool id")
	show.Flags().StringVar(&participantID, "participant", "", "participant id")
	_ = show.MarkFlagRequired("pool")
	_ = show.MarkFlagRequired("participant")

	cmd.AddCommand(list, show)
	return cmd
}

func newIndexCmd(current func() *app) *cobra.Command {
	var (
		poolID string
		page   uint32
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Print one citizen index page",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := id.ParsePoolID(poolID)
			if err != nil {
				return err
			}
			index, err := current().service.GetCitizenIndex(cmd.Context(), pool, page)
			if err != nil {
				return err
			}
			return printJSON(cmd, struct {
				*models.CitizenIndex
				Address string `json:"address"`
				State   string `json:"state"`
			}{index, index.Address(pool).String(), index.State.String()})
		},
	}
	cmd.Flags().StringVar(&poolID, "pool", "", "governance pool id")
	cmd.Flags().Uint32Var(&page, "page", 0, "page number")
	_ = cmd.MarkFlagRequired("pool")
	return cmd
}

func newMigrateCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := current()
			if a.cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate requires SORTITION_STORE=postgres, got %q", a.cfg.Store)
			}
			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.InfoContext(cmd.Context(), "schema applied")
			return nil
		},
	}
}
