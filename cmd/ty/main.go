// Command ty is the tradeyard CLI: a local-first matcher for commodity trade
// intents with a risk admission gate, pairwise relationship scoring and a
// transactional outbox, all in a workspace SQLite database.
package main

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradeyard/internal/app"
	"tradeyard/internal/config"
	"tradeyard/internal/db"
	"tradeyard/internal/domain"
	"tradeyard/internal/engine"
	"tradeyard/internal/migrate"
	"tradeyard/internal/outbox"
	"tradeyard/internal/repo"
	"tradeyard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ty",
	Short: "Tradeyard matches commodity trade intents in a local-first workspace",
	Long: `Tradeyard is a local-first matcher for commodity trade intents.

A workspace holds one SQLite database under .tradeyard/. Partners post BUY or
SELL intents; every intent passes a risk admission gate, admitted ones are
scored against open counter-intents and the best pairing above the cutoff
becomes a proposed match that either side can confirm or reject.

Common flows:

  ty market config init cotton-spot
  ty partner add --id p-mills --name "Mills & Co" --rating 4.2
  ty intent create --side SELL --partner p-mills --commodity c-cotton \
      --quantity 1000 --price 70.50 --location loc-mumbai
  ty intent list --status RISK_PASSED
  ty match confirm <match-id>
  ty serve --addr 127.0.0.1:8080

Every state change also lands in a transactional outbox; run "ty outbox relay"
to push events to the webhook named in the config.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRADEYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding .tradeyard/ and tradeyard.yml")
	rootCmd.PersistentFlags().Bool("json", false, "print machine-readable JSON instead of tables")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on emitted events")
	rootCmd.PersistentFlags().StringP("market", "m", "", "market id (defaults to tradeyard.yml, then the single market in the DB)")
	rootCmd.PersistentFlags().Bool("force", false, "skip confirmation on destructive commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("market", rootCmd.PersistentFlags().Lookup("market"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(
		marketCmd(),
		statusCmd(),
		intentCmd(),
		matchCmd(),
		relationshipCmd(),
		partnerCmd(),
		commodityCmd(),
		locationCmd(),
		tradeCmd(),
		outboxCmd(),
		sweepCmd(),
		logCmd(),
		apikeyCmd(),
		serveCmd(),
	)
}

func workspaceDir() string { return viper.GetString("workspace") }

func actorID() string { return viper.GetString("actor-id") }

// withRepo opens the workspace database, migrates it and hands a repo to fn.
func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: workspaceDir()})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// withEngine additionally resolves the active market and its config, creating
// both on first use, and hands a ready engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	conn, err := db.Open(db.Config{Workspace: workspaceDir()})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	marketID, cfg, err := app.ResolveMarketAndConfig(ctx, workspaceDir(), viper.GetString("market"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg), marketID)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printJSONOrTable(v any) {
	if viper.GetBool("json") {
		printJSON(v)
		return
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

// --- market -----------------------------------------------------------------

func marketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "market", Short: "Manage markets and their configuration"}
	cmd.AddCommand(marketCreateCmd(), marketListCmd(), marketShowCmd(), marketUseCmd(), marketConfigCmd())
	return cmd
}

func marketCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a market with default configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetMarket(ctx, id); err == nil {
					return fmt.Errorf("market %s already exists", id)
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				cfg := config.Default(id)
				if name != "" {
					cfg.Market.Name = name
				}
				m := domain.Market{
					ID:        id,
					Name:      cfg.Market.Name,
					Status:    "open",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if m.Name == "" {
					m.Name = id
				}
				if err := r.InsertMarket(ctx, m); err != nil {
					return err
				}
				if err := r.UpsertMarketConfig(ctx, id, cfg); err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(m)
					return nil
				}
				fmt.Printf("Market %s created\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func marketListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List markets in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				markets, err := r.ListMarkets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(markets)
					return nil
				}
				tw := newTable(table.Row{"ID", "NAME", "STATUS", "CREATED"})
				for _, m := range markets {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func marketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetMarket(ctx, args[0])
				if err != nil {
					return err
				}
				printJSONOrTable(m)
				return nil
			})
		},
	}
}

func marketUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default market for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(workspaceDir(), ".env")
			if err := setEnvValue(path, "TRADEYARD_MARKET", args[0]); err != nil {
				return err
			}
			fmt.Printf("Market %s set as default (stored in %s)\n", args[0], path)
			return nil
		},
	}
}

func marketConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect and edit market configuration"}
	cmd.AddCommand(marketConfigInitCmd(), marketConfigShowCmd(), marketConfigImportCmd(), marketConfigValidateCmd())
	return cmd
}

func marketConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [market-id]",
		Short: "Write a default tradeyard.yml into the workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "default"
			if len(args) == 1 {
				id = args[0]
			}
			path := config.Path(workspaceDir())
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s for market %s\n", path, id)
			return nil
		},
	}
}

func marketConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config of the active market as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				data, err := yaml.Marshal(eng.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func marketConfigImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a config file and store it for its market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertMarketConfig(ctx, cfg.Market.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("Config for market %s stored\n", cfg.Market.ID)
				return nil
			})
		},
	}
}

func marketConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file without storing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(workspaceDir())
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s OK (market %s)\n", path, cfg.Market.ID)
			return nil
		},
	}
}

// --- status -----------------------------------------------------------------

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active market, intent counts and outbox lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				m, err := eng.Repo.GetMarket(ctx, marketID)
				if err != nil {
					return err
				}
				counts, err := eng.Repo.CountIntentsByStatus(ctx, marketID)
				if err != nil {
					return err
				}
				seq, err := eng.Repo.LatestEventSeq(ctx, marketID)
				if err != nil {
					return err
				}
				unpublished := false
				pending, err := eng.Repo.ListOutboxEvents(ctx, repo.OutboxFilters{MarketID: marketID, Published: &unpublished})
				if err != nil {
					return err
				}
				printJSONOrTable(struct {
					Market         domain.Market  `json:"market"`
					IntentCounts   map[string]int `json:"intent_counts"`
					LatestEventSeq int64          `json:"latest_event_seq"`
					PendingEvents  int            `json:"pending_events"`
				}{m, counts, seq, len(pending)})
				return nil
			})
		},
	}
}

// --- intent -----------------------------------------------------------------

func intentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intent", Short: "Create and inspect trade intents"}
	cmd.AddCommand(intentCreateCmd(), intentListCmd(), intentGetCmd(), intentCancelCmd(), intentRiskCmd())
	return cmd
}

func intentCreateCmd() *cobra.Command {
	var (
		id           string
		side         string
		partner      string
		counterparty string
		commodity    string
		quantity     string
		price        string
		location     string
		delivery     []string
		payment      []string
		qualityJSON  string
		ttlHours     int
		idemKey      string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a trade intent through the risk gate and matcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			var quality []domain.QualityParam
			if qualityJSON != "" {
				if err := json.Unmarshal([]byte(qualityJSON), &quality); err != nil {
					return fmt.Errorf("parse --quality: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				res, err := eng.CreateIntent(ctx, engine.IntentCreateOptions{
					ID:             id,
					MarketID:       marketID,
					Side:           domain.Side(strings.ToUpper(side)),
					PartnerID:      partner,
					CounterpartyID: counterparty,
					CommodityID:    commodity,
					Quantity:       quantity,
					Price:          price,
					LocationID:     location,
					DeliveryTerms:  delivery,
					PaymentTerms:   payment,
					Quality:        quality,
					IdempotencyKey: idemKey,
					TTLHours:       ttlHours,
					ActorID:        actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(res)
					return nil
				}
				fmt.Printf("Intent %s is %s: risk %d (%s)\n", res.Intent.ID, res.Outcome, res.Assessment.Score, res.Assessment.Status)
				if res.Assessment.Violation != nil {
					fmt.Printf("Blocking violation: %s\n", *res.Assessment.Violation)
				}
				if res.Match != nil {
					fmt.Printf("Match %s proposed (score %.3f): %s <> %s\n",
						res.Match.ID, res.Match.Score, res.Match.RequirementID, res.Match.AvailabilityID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "intent id (generated when empty)")
	cmd.Flags().StringVar(&side, "side", "", "BUY or SELL")
	cmd.Flags().StringVar(&partner, "partner", "", "posting partner id")
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "restrict matching to this partner")
	cmd.Flags().StringVar(&commodity, "commodity", "", "commodity id")
	cmd.Flags().StringVar(&quantity, "quantity", "", "quantity in the commodity base unit")
	cmd.Flags().StringVar(&price, "price", "", "limit price per base unit")
	cmd.Flags().StringVar(&location, "location", "", "location id")
	cmd.Flags().StringSliceVar(&delivery, "delivery", nil, "acceptable delivery terms")
	cmd.Flags().StringSliceVar(&payment, "payment", nil, "acceptable payment terms")
	cmd.Flags().StringVar(&qualityJSON, "quality", "", "quality parameters as a JSON array")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "hours until the intent expires (config default when 0)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "replay key for safe retries")
	return cmd
}

func intentListCmd() *cobra.Command {
	var (
		status    string
		side      string
		partner   string
		commodity string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				items, err := eng.Repo.ListIntents(ctx, repo.IntentFilters{
					MarketID:    marketID,
					Status:      strings.ToUpper(status),
					Side:        strings.ToUpper(side),
					PartnerID:   partner,
					CommodityID: commodity,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"ID", "SIDE", "PARTNER", "COMMODITY", "QTY", "PRICE", "STATUS", "CREATED"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Side, it.PartnerID, it.CommodityID, it.Quantity.String(), nullDecimal(it.Price), it.Status, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by lifecycle status")
	cmd.Flags().StringVar(&side, "side", "", "filter by side")
	cmd.Flags().StringVar(&partner, "partner", "", "filter by posting partner")
	cmd.Flags().StringVar(&commodity, "commodity", "", "filter by commodity")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func intentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				it, err := eng.Repo.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				printJSONOrTable(it)
				return nil
			})
		},
	}
}

func intentCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an intent that is not in a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				it, err := eng.CancelIntent(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(it)
					return nil
				}
				fmt.Printf("Intent %s cancelled\n", it.ID)
				return nil
			})
		},
	}
}

func intentRiskCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "risk <id>",
		Short: "Show the risk verdict for an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				if history {
					list, err := eng.Repo.ListAssessments(ctx, args[0])
					if err != nil {
						return err
					}
					printJSONOrTable(list)
					return nil
				}
				a, err := eng.Repo.LatestAssessment(ctx, args[0])
				if err != nil {
					return err
				}
				printJSONOrTable(a)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "show every assessment, oldest first")
	return cmd
}

// --- match ------------------------------------------------------------------

func matchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "match", Short: "Inspect and decide proposed matches"}
	cmd.AddCommand(matchListCmd(), matchGetCmd(), matchConfirmCmd(), matchRejectCmd())
	return cmd
}

func matchListCmd() *cobra.Command {
	var (
		status   string
		intentID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matches in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				items, err := eng.Repo.ListMatches(ctx, repo.MatchFilters{
					MarketID: marketID,
					Status:   strings.ToUpper(status),
					IntentID: intentID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"ID", "REQUIREMENT", "AVAILABILITY", "SCORE", "STATUS", "CREATED"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.RequirementID, m.AvailabilityID, fmt.Sprintf("%.3f", m.Score), m.Status, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by PROPOSED, CONFIRMED or REJECTED")
	cmd.Flags().StringVar(&intentID, "intent", "", "filter by intent on either side")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func matchGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one match with its score breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				m, err := eng.Repo.GetMatch(ctx, args[0])
				if err != nil {
					return err
				}
				printJSONOrTable(m)
				return nil
			})
		},
	}
}

func matchConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm a proposed match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				m, err := eng.ConfirmMatch(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(m)
					return nil
				}
				fmt.Printf("Match %s confirmed\n", m.ID)
				return nil
			})
		},
	}
}

func matchRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a proposed match and release both intents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				m, err := eng.RejectMatch(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(m)
					return nil
				}
				fmt.Printf("Match %s rejected\n", m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the match was declined")
	return cmd
}

// --- relationship -----------------------------------------------------------

func relationshipCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "relationship", Short: "Inspect pairwise partner relationships"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <partner-id> <other-id>",
		Short: "Score the shared history of two partners",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == args[1] {
				return fmt.Errorf("partner ids must differ")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				for _, id := range args {
					if _, err := eng.Dir.PartnerProfile(ctx, id); err != nil {
						return fmt.Errorf("partner %s: %w", id, err)
					}
				}
				rel, err := eng.Rel.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printJSONOrTable(rel)
				return nil
			})
		},
	})
	return cmd
}

// --- refdata ----------------------------------------------------------------

func partnerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "partner", Short: "Manage marketplace partners"}
	cmd.AddCommand(partnerAddCmd(), partnerListCmd())
	return cmd
}

func partnerAddCmd() *cobra.Command {
	var (
		id           string
		name         string
		rating       float64
		exposure     string
		creditLimit  string
		capabilities []string
		status       string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a partner in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			exp, err := decimal.NewFromString(exposure)
			if err != nil {
				return fmt.Errorf("exposure: %w", err)
			}
			limit, err := decimal.NewFromString(creditLimit)
			if err != nil {
				return fmt.Errorf("credit-limit: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				p := domain.Partner{
					ID:           id,
					MarketID:     marketID,
					Name:         name,
					Rating:       rating,
					Exposure:     exp,
					CreditLimit:  limit,
					Status:       status,
					Capabilities: capabilities,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if p.ID == "" {
					p.ID = "p-" + uuid.NewString()[:8]
				}
				if err := eng.Repo.InsertPartner(ctx, p); err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(p)
					return nil
				}
				fmt.Printf("Partner %s added to market %s\n", p.ID, marketID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "partner id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Float64Var(&rating, "rating", 3.0, "rating on a 0-5 scale")
	cmd.Flags().StringVar(&exposure, "exposure", "0", "current outstanding exposure")
	cmd.Flags().StringVar(&creditLimit, "credit-limit", "100000", "credit limit")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", []string{"trade.buy", "trade.sell"}, "granted capability tokens")
	cmd.Flags().StringVar(&status, "status", "active", "active, suspended or inactive")
	return cmd
}

func partnerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List partners in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				partners, err := eng.Repo.ListPartners(ctx, marketID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(partners)
					return nil
				}
				tw := newTable(table.Row{"ID", "NAME", "RATING", "EXPOSURE", "CREDIT_LIMIT", "STATUS"})
				for _, p := range partners {
					tw.AppendRow(table.Row{p.ID, p.Name, fmt.Sprintf("%.1f", p.Rating), p.Exposure.String(), p.CreditLimit.String(), p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func commodityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "commodity", Short: "Manage commodities"}
	cmd.AddCommand(commodityAddCmd(), commodityListCmd())
	return cmd
}

func commodityAddCmd() *cobra.Command {
	var (
		id   string
		name string
		unit string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a commodity in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				c := domain.Commodity{
					ID:        id,
					MarketID:  marketID,
					Name:      name,
					BaseUnit:  unit,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if c.ID == "" {
					c.ID = "c-" + uuid.NewString()[:8]
				}
				if err := eng.Repo.InsertCommodity(ctx, c); err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(c)
					return nil
				}
				fmt.Printf("Commodity %s (%s) added\n", c.ID, c.BaseUnit)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "commodity id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&unit, "unit", "kg", "base unit all quantities are expressed in")
	return cmd
}

func commodityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List commodities in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				items, err := eng.Repo.ListCommodities(ctx, marketID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"ID", "NAME", "BASE_UNIT", "CREATED"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.BaseUnit, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func locationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "location", Short: "Manage delivery locations"}
	cmd.AddCommand(locationAddCmd(), locationListCmd())
	return cmd
}

func locationAddCmd() *cobra.Command {
	var (
		id       string
		name     string
		lat      float64
		lng      float64
		zone     string
		timezone string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a location in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				l := domain.Location{
					ID:        id,
					MarketID:  marketID,
					Name:      name,
					Lat:       lat,
					Lng:       lng,
					Zone:      zone,
					Timezone:  timezone,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if l.ID == "" {
					l.ID = "loc-" + uuid.NewString()[:8]
				}
				if err := eng.Repo.InsertLocation(ctx, l); err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(l)
					return nil
				}
				fmt.Printf("Location %s added\n", l.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "location id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().StringVar(&zone, "zone", "", "logistics zone")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone")
	return cmd
}

func locationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List locations in the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				items, err := eng.Repo.ListLocations(ctx, marketID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"ID", "NAME", "LAT", "LNG", "ZONE"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Name, l.Lat, l.Lng, l.Zone})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- trade ------------------------------------------------------------------

func tradeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trade", Short: "Record and inspect historical trades"}
	cmd.AddCommand(tradeRecordCmd(), tradeListCmd())
	return cmd
}

func tradeRecordCmd() *cobra.Command {
	var (
		id              string
		buyer           string
		seller          string
		commodity       string
		quantity        string
		price           string
		tradedAt        string
		settled         bool
		latePayment     bool
		lateDelivery    bool
		qualityRejected bool
		dispute         bool
		disputeResolved bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a historical trade between two partners",
		Long: `Record a historical trade. Open trades count as unsettled positions for the
risk gate; settled ones feed the relationship analyzer with their payment,
delivery, quality and dispute outcomes. Outcomes default to clean and are
flipped with --late-payment, --late-delivery, --quality-rejected and
--dispute.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if buyer == "" || seller == "" {
				return fmt.Errorf("--buyer and --seller are required")
			}
			if commodity == "" {
				return fmt.Errorf("--commodity is required")
			}
			qty, err := decimal.NewFromString(quantity)
			if err != nil {
				return fmt.Errorf("quantity: %w", err)
			}
			var priceDec decimal.NullDecimal
			if price != "" {
				d, err := decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("price: %w", err)
				}
				priceDec = decimal.NullDecimal{Decimal: d, Valid: true}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				now := time.Now().UTC().Format(time.RFC3339)
				t := domain.TradeRecord{
					ID:            id,
					MarketID:      marketID,
					BuyerID:       buyer,
					SellerID:      seller,
					CommodityID:   commodity,
					Quantity:      qty,
					Price:         priceDec,
					Status:        domain.TradeOpen,
					DisputeRaised: dispute,
					TradedAt:      tradedAt,
				}
				if t.ID == "" {
					t.ID = "t-" + uuid.NewString()[:8]
				}
				if t.TradedAt == "" {
					t.TradedAt = now
				}
				if settled {
					t.Status = domain.TradeSettled
					pay, del, qual := !latePayment, !lateDelivery, !qualityRejected
					t.OnTimePayment = &pay
					t.OnTimeDelivery = &del
					t.QualityOK = &qual
					t.SettledAt = &now
					if dispute {
						t.DisputeResolved = &disputeResolved
					}
				}
				if err := eng.Repo.InsertTradeRecord(ctx, t); err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(t)
					return nil
				}
				fmt.Printf("Trade %s recorded (%s)\n", t.ID, t.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "trade id (generated when empty)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buying partner id")
	cmd.Flags().StringVar(&seller, "seller", "", "selling partner id")
	cmd.Flags().StringVar(&commodity, "commodity", "", "commodity id")
	cmd.Flags().StringVar(&quantity, "quantity", "", "traded quantity")
	cmd.Flags().StringVar(&price, "price", "", "settlement price per base unit")
	cmd.Flags().StringVar(&tradedAt, "traded-at", "", "RFC3339 trade timestamp (now when empty)")
	cmd.Flags().BoolVar(&settled, "settled", false, "mark the trade settled with outcome flags")
	cmd.Flags().BoolVar(&latePayment, "late-payment", false, "payment missed its due date")
	cmd.Flags().BoolVar(&lateDelivery, "late-delivery", false, "delivery missed its window")
	cmd.Flags().BoolVar(&qualityRejected, "quality-rejected", false, "the lot failed quality inspection")
	cmd.Flags().BoolVar(&dispute, "dispute", false, "a dispute was raised")
	cmd.Flags().BoolVar(&disputeResolved, "dispute-resolved", false, "the dispute was resolved")
	return cmd
}

func tradeListCmd() *cobra.Command {
	var (
		partner string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded trades, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				items, err := eng.Repo.ListTradeRecords(ctx, marketID, partner, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"ID", "BUYER", "SELLER", "COMMODITY", "QTY", "STATUS", "TRADED_AT"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.BuyerID, t.SellerID, t.CommodityID, t.Quantity.String(), t.Status, t.TradedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partner, "partner", "", "only trades this partner took part in")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// --- outbox -----------------------------------------------------------------

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and drain the event outbox"}
	cmd.AddCommand(outboxPendingCmd(), outboxDLQCmd(), outboxRelayCmd())
	return cmd
}

func outboxPendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List events awaiting delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				unpublished := false
				items, err := eng.Repo.ListOutboxEvents(ctx, repo.OutboxFilters{MarketID: marketID, Published: &unpublished, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"SEQ", "TYPE", "AGGREGATE", "ATTEMPTS", "NEXT_ATTEMPT", "LAST_ERROR"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.Seq, ev.Type, ev.AggregateID, ev.AttemptCount, strOr(ev.NextAttemptAt), strOr(ev.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func outboxDLQCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				items, err := eng.Repo.ListDeadEvents(ctx, marketID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"EVENT_ID", "TYPE", "AGGREGATE", "ATTEMPTS", "FAILED_AT", "LAST_ERROR"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.EventID, ev.Type, ev.AggregateID, ev.AttemptCount, ev.FailedAt, ev.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func outboxRelayCmd() *cobra.Command {
	var (
		once     bool
		workerID string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver outbox events to the configured webhook",
		Long: `Deliver outbox events. With a webhook url in the config events are POSTed
there, signed with the shared secret; without one they are logged to stderr.
Runs until interrupted unless --once is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, eng engine.Engine, marketID string) error {
				relay := newRelay(eng, marketID, workerID)
				if once {
					n, err := relay.ProcessOnce(ctx)
					if err != nil && !errors.Is(err, outbox.ErrNoWork) {
						return err
					}
					fmt.Printf("Published %d events\n", n)
					return nil
				}
				fmt.Printf("Relay %s draining market %s (ctrl-c to stop)\n", relay.WorkerID, marketID)
				relay.Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain one batch and exit")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "lease owner name (hostname-pid when empty)")
	return cmd
}

func newRelay(eng engine.Engine, marketID, workerID string) *outbox.Relay {
	var pub outbox.Publisher = outbox.LogPublisher{}
	if eng.Config.Outbox.Webhook.URL != "" {
		pub = outbox.NewWebhookPublisher(marketID, eng.Config.Outbox)
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &outbox.Relay{DB: eng.DB, Publisher: pub, Cfg: eng.Config.Outbox, WorkerID: workerID}
}

// --- sweep ------------------------------------------------------------------

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue intents and retry matching for waiting ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				expired, matched, err := eng.Sweep(ctx, marketID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(struct {
						Expired int `json:"expired"`
						Matched int `json:"matched"`
					}{expired, matched})
					return nil
				}
				fmt.Printf("Expired %d intents, matched %d\n", expired, matched)
				return nil
			})
		},
	}
}

// --- log --------------------------------------------------------------------

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event stream"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var (
		n           int
		eventType   string
		aggregateID string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, marketID string) error {
				latest, err := eng.Repo.LatestEventSeq(ctx, marketID)
				if err != nil {
					return err
				}
				after := latest - int64(n)
				if after < 0 {
					after = 0
				}
				items, err := eng.Repo.ListOutboxEvents(ctx, repo.OutboxFilters{
					MarketID:    marketID,
					Type:        eventType,
					AggregateID: aggregateID,
					AfterSeq:    after,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				tw := newTable(table.Row{"SEQ", "TYPE", "AGGREGATE", "ACTOR", "PUBLISHED", "CREATED"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.Seq, ev.Type, ev.AggregateID, ev.ActorID, boolWord(ev.Published), ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "how many trailing events to show")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&aggregateID, "aggregate", "", "filter by aggregate id")
	return cmd
}

// --- apikey -----------------------------------------------------------------

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	cmd.AddCommand(apikeyCreateCmd(), apikeyListCmd(), apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var (
		actor string
		name  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the secret is shown exactly once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			raw := make([]byte, 32)
			if _, err := crand.Read(raw); err != nil {
				return err
			}
			secret := "tyk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        "ak-" + uuid.NewString()[:8],
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(struct {
						ID      string `json:"id"`
						ActorID string `json:"actor_id"`
						Name    string `json:"name,omitempty"`
						Key     string `json:"key"`
					}{key.ID, key.ActorID, key.Name, secret})
					return nil
				}
				fmt.Printf("API key %s created for %s\n", key.ID, actor)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(keys)
					return nil
				}
				tw := newTable(table.Row{"ID", "ACTOR", "NAME", "CREATED"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys for this actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !viper.GetBool("force") {
				return fmt.Errorf("refusing to revoke %s without --force", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	}
}

// --- serve ------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		addr             string
		basePath         string
		allowActorHeader bool
		withRelay        bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tradeyard HTTP API",
		Long: `Serve the HTTP API for the active market. Callers authenticate with a
bearer JWT signed with TRADEYARD_JWT_SECRET or with an API key minted by
"ty apikey create". --allow-actor-header trusts the plain X-Actor-Id header
instead; only do that on a loopback address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, eng engine.Engine, marketID string) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" && !allowActorHeader {
					return fmt.Errorf("TRADEYARD_JWT_SECRET is not set; set it or pass --allow-actor-header for local use")
				}
				handler, err := server.New(server.Config{
					Engine:   eng,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: allowActorHeader,
					},
				})
				if err != nil {
					return err
				}
				if allowActorHeader {
					fmt.Println("warning: X-Actor-Id header auth enabled; local use only")
				}
				httpSrv := &http.Server{Addr: addr, Handler: handler}
				if withRelay {
					go newRelay(eng, marketID, "").Run(ctx)
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = httpSrv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving market %s on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", marketID, addr, basePath, basePath)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "path prefix for API routes")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust the X-Actor-Id header instead of JWT auth")
	cmd.Flags().BoolVar(&withRelay, "with-relay", false, "run the outbox relay in-process")
	return cmd
}

// --- helpers ----------------------------------------------------------------

func strOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// setEnvValue writes KEY=value into the env file, replacing an existing
// assignment and preserving everything else.
func setEnvValue(path, key, value string) error {
	var lines []string
	replaced := false
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, key+"="+value)
				replaced = true
				continue
			}
			lines = append(lines, line)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return err
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
