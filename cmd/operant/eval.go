package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/operant/pkg/config"
	"github.com/codeready-toolchain/operant/pkg/eval"
	"github.com/codeready-toolchain/operant/pkg/subject"
)

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run and analyze chaos-experiment campaigns against a subject",
	}
	cmd.AddCommand(
		newEvalRunCmd(),
		newEvalAnalyzeCmd(),
		newEvalCompareCmd(),
		newEvalCompareBaselineCmd(),
		newEvalCompareVariantsCmd(),
		newEvalShowCmd(),
		newEvalListCmd(),
	)
	return cmd
}

// chaosSubject resolves a named subject and requires it to implement the
// eval harness's chaos-injection contract — a subject built only for
// monitoring has nothing to run a trial against.
func chaosSubject(name string) (subject.ChaosInjector, error) {
	subj, err := buildSubject(name)
	if err != nil {
		return nil, err
	}
	injector, ok := subj.(subject.ChaosInjector)
	if !ok {
		return nil, fmt.Errorf("subject %q does not implement chaos injection", name)
	}
	return injector, nil
}

func newEvalRunCmd() *cobra.Command {
	var subjectName, chaosType string
	var baseline bool
	var trials int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single-subject, single-chaos-type campaign of one or more trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			injector, ok := deps.subj.(subject.ChaosInjector)
			if !ok {
				return usageError(fmt.Errorf("subject %q does not implement chaos injection", subjectName))
			}

			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			campaignID, err := eval.RunCampaign(ctx, injector, deps.tickets, deps.auditor, evalStore, subjectName, chaosType, trials, baseline)
			if err != nil {
				return usageError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %d: %d trial(s) of %q against %q\n", campaignID, trials, chaosType, subjectName)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject to run chaos against (required)")
	cmd.Flags().StringVar(&chaosType, "chaos", "", "chaos type to inject (required)")
	cmd.Flags().BoolVar(&baseline, "baseline", false, "skip ticket/agent tracking, just measure unattended recovery")
	cmd.Flags().IntVarP(&trials, "trials", "n", 1, "number of trials to run")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("chaos")
	cmd.AddCommand(newEvalRunCampaignCmd())
	return cmd
}

func newEvalRunCampaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign <config.yaml>",
		Short: "Run a config-driven campaign over a matrix of subjects and chaos types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return usageError(fmt.Errorf("read campaign config %s: %w", args[0], err))
			}
			var cfg eval.CampaignConfig
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return usageError(fmt.Errorf("parse campaign config %s: %w", args[0], err))
			}
			if len(cfg.Subjects) == 0 {
				return usageError(fmt.Errorf("campaign config %s lists no subjects", args[0]))
			}

			ctx := cmd.Context()
			tickets, ticketClient, err := openTicketStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open ticket store: %w", err))
			}
			defer ticketClient.Close()

			_, actionClient, err := openActionStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open action store: %w", err))
			}
			defer actionClient.Close()
			auditStore := openAuditStore(actionClient, nil)

			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			campaignID, err := eval.RunCampaignFromConfig(ctx, chaosSubject, tickets, auditStore, evalStore, cfg)
			if err != nil {
				return usageError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %d: %q finished\n", campaignID, cfg.Name)
			return nil
		},
	}
	return cmd
}

func newEvalAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <campaign-id>",
		Short: "Score every trial in a campaign and print the aggregate summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			appCfg, err := config.Initialize(ctx, configDir)
			if err != nil {
				return usageError(fmt.Errorf("load configuration: %w", err))
			}
			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			summary, err := eval.AnalyzeCampaign(ctx, evalStore, buildCommandClassifier(appCfg), id)
			if err != nil {
				return notFoundError(fmt.Errorf("campaign %d: %w", id, err))
			}
			return printJSON(cmd, summary)
		},
	}
	return cmd
}

func newEvalCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <campaign-a-id> <campaign-b-id>",
		Short: "Head-to-head comparison of two campaigns by win rate and resolution time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			aID, err := parseID(args[0])
			if err != nil {
				return err
			}
			bID, err := parseID(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			appCfg, err := config.Initialize(ctx, configDir)
			if err != nil {
				return usageError(fmt.Errorf("load configuration: %w", err))
			}
			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			result, err := eval.CompareCampaigns(ctx, evalStore, buildCommandClassifier(appCfg), aID, bID)
			if err != nil {
				return usageError(err)
			}
			return printJSON(cmd, result)
		},
	}
	return cmd
}

func newEvalCompareBaselineCmd() *cobra.Command {
	var baselineID int64
	var hasBaselineID bool

	cmd := &cobra.Command{
		Use:   "compare-baseline <agent-campaign-id>",
		Short: "Compare an agent-enabled campaign to its baseline (auto-found if not given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			appCfg, err := config.Initialize(ctx, configDir)
			if err != nil {
				return usageError(fmt.Errorf("load configuration: %w", err))
			}
			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			var baselinePtr *int64
			if hasBaselineID {
				baselinePtr = &baselineID
			}

			result, err := eval.CompareBaseline(ctx, evalStore, buildCommandClassifier(appCfg), agentID, baselinePtr)
			if err != nil {
				return usageError(err)
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().Int64Var(&baselineID, "baseline-id", 0, "explicit baseline campaign id (defaults to the most recent matching baseline)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		hasBaselineID = cmd.Flags().Changed("baseline-id")
		return nil
	}
	return cmd
}

func newEvalCompareVariantsCmd() *cobra.Command {
	var variants string

	cmd := &cobra.Command{
		Use:   "compare-variants <subject> <chaos-type>",
		Short: "Balanced scorecard across every variant campaigned for a subject/chaos-type pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			appCfg, err := config.Initialize(ctx, configDir)
			if err != nil {
				return usageError(fmt.Errorf("load configuration: %w", err))
			}
			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			var variantNames []string
			if variants != "" {
				variantNames = strings.Split(variants, ",")
			}

			result, err := eval.CompareVariants(ctx, evalStore, buildCommandClassifier(appCfg), args[0], args[1], variantNames)
			if err != nil {
				return usageError(err)
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&variants, "variants", "", "comma-separated variant names to restrict to (defaults to all)")
	return cmd
}

func newEvalShowCmd() *cobra.Command {
	var trial bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a campaign, or one trial with --trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			if trial {
				t, err := evalStore.GetTrial(ctx, id)
				if err != nil {
					return notFoundError(fmt.Errorf("trial %d: %w", id, err))
				}
				return printJSON(cmd, t)
			}

			c, err := evalStore.GetCampaign(ctx, id)
			if err != nil {
				return notFoundError(fmt.Errorf("campaign %d: %w", id, err))
			}
			trials, err := evalStore.GetTrials(ctx, id)
			if err != nil {
				return usageError(err)
			}
			return printJSON(cmd, struct {
				*eval.Campaign
				Trials []*eval.Trial `json:"trials"`
			}{c, trials})
		},
	}
	cmd.Flags().BoolVar(&trial, "trial", false, "show a trial instead of a campaign")
	return cmd
}

func newEvalListCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			evalStore, evalClient, err := openEvalStore(ctx)
			if err != nil {
				return usageError(fmt.Errorf("open eval store: %w", err))
			}
			defer evalClient.Close()

			campaigns, err := evalStore.ListCampaigns(ctx, limit, offset)
			if err != nil {
				return usageError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUBJECT\tCHAOS_TYPE\tTRIALS\tBASELINE\tVARIANT\tCREATED")
			for _, c := range campaigns {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%s\t%s\n", c.ID, c.SubjectName, c.ChaosType, c.TrialCount, c.Baseline, c.VariantName, c.CreatedAt.Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum campaigns to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
