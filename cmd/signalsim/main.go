package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signalsim/internal/app"
	"signalsim/internal/config"
	"signalsim/internal/logging"
	"signalsim/internal/server"
	signalsimsdk "signalsim/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "signalsim",
	Short: "Traffic-signal controller simulator",
	Long: `signalsim simulates the phase cycle of traffic-signal controllers and
exposes their state over an HTTP API.
- Intersection: one controller with an ordered, repeating list of phases.
- Phase: a named duration with a color for each axis (NS, EW); both axes are never green together.
- Tick: advance simulated time by a number of seconds; the cycle wraps around.
- Reset: go back to the start of the first phase.
Run 'signalsim serve' to start the API, then use the other commands against it.`,
	SilenceUsage: true,
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
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: read config %s: %v\n", file, err)
		}
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "settings file (yaml, json, toml or .env)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API server URL for client commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for mutating requests")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(intersectionsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(viper.GetViper())
			if err != nil {
				return err
			}
			log := logging.New(logging.Options{
				Level:   settings.LogLevel,
				Format:  settings.LogFormat,
				Version: app.Version,
				Env:     settings.AppEnv,
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Bootstrap(ctx, settings, log)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: settings.APIPrefix,
				Auth:     server.AuthConfig{JWTSecret: settings.JWTSecret},
				Metrics:  a.Metrics,
				Logger:   log,
				Title:    settings.AppName,
				Version:  app.Version,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, a.Engine.Journal, settings.Webhooks, log)

			srv := &http.Server{Addr: settings.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving API",
				"addr", settings.Addr,
				"base_path", settings.APIPrefix,
				"auth", settings.JWTSecret != "",
				"intersections", a.Engine.Registry.Len(),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/api/v1", "API base path")
	cmd.Flags().String("db", "", "event journal path (empty keeps it in memory)")
	cmd.Flags().String("intersections-file", "", "YAML intersection definitions to load at startup")
	cmd.Flags().Bool("seed-default", true, "install the default intersection when none is loaded")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("api_prefix", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("db_dsn", cmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("intersections_file", cmd.Flags().Lookup("intersections-file"))
	_ = viper.BindPFlag("seed_default", cmd.Flags().Lookup("seed-default"))
	_ = viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	return cmd
}

func intersectionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intersections", Aliases: []string{"ix"}, Short: "Inspect and drive intersections"}
	cmd.AddCommand(intersectionsListCmd())
	cmd.AddCommand(intersectionsShowCmd())
	cmd.AddCommand(intersectionsStateCmd())
	cmd.AddCommand(intersectionsTickCmd())
	cmd.AddCommand(intersectionsResetCmd())
	cmd.AddCommand(intersectionsApplyCmd())
	cmd.AddCommand(intersectionsDeleteCmd())
	return cmd
}

func intersectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List intersections",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ListIntersections(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.ID, it.Name})
			}
			tw.Render()
			return nil
		},
	}
}

func intersectionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the phase configuration of an intersection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newClient().GetIntersection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			fmt.Printf("%s (%s)\n", cfg.ID, cfg.Name)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Phase", "Duration", "Signals"})
			for i, p := range cfg.Phases {
				tw.AppendRow(table.Row{i, p.Name, p.Duration, formatSignals(p.Signals)})
			}
			tw.Render()
			return nil
		},
	}
}

func intersectionsStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <id>",
		Short: "Show current signal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
}

func intersectionsTickCmd() *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "tick <id>",
		Short: "Advance simulated time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Tick(cmd.Context(), args[0], seconds)
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
	cmd.Flags().IntVarP(&seconds, "seconds", "s", 1, "seconds to advance")
	return cmd
}

func intersectionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Reset to the start of the first phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printState(st)
		},
	}
}

func intersectionsApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace intersections from a YAML definitions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			defs, err := config.Load(file)
			if err != nil {
				return err
			}
			client := newClient()
			var applied []signalsimsdk.IntersectionConfig
			for _, in := range defs.Intersections {
				cfg, err := client.Apply(cmd.Context(), toSDKConfig(in))
				if err != nil {
					return fmt.Errorf("apply %s: %w", in.ID, err)
				}
				applied = append(applied, cfg)
			}
			if viper.GetBool("json") {
				return printJSON(applied)
			}
			for _, cfg := range applied {
				fmt.Printf("applied %s (%d phases)\n", cfg.ID, len(cfg.Phases))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definitions file")
	return cmd
}

func intersectionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an intersection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Read the event journal"}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var n int
	var intersectionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Events(cmd.Context(), n, intersectionID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Intersection", "Actor", "Payload"})
			for _, e := range items {
				payload, _ := json.Marshal(e.Payload)
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.IntersectionID, e.ActorID, string(payload)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&intersectionID, "intersection", "", "only events for this intersection")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Intersection definition files"}
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configDefaultCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a definitions file without a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			defs, err := config.Load(file)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d intersection(s) valid\n", file, len(defs.Intersections))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definitions file")
	return cmd
}

func configDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the built-in intersection as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	}
}

// --- helpers ---

func newClient() *signalsimsdk.Client {
	c := signalsimsdk.New(viper.GetString("server"))
	c.BasePath = viper.GetString("api_prefix")
	c.BearerToken = viper.GetString("token")
	return c
}

func toSDKConfig(in config.Intersection) signalsimsdk.IntersectionConfig {
	out := signalsimsdk.IntersectionConfig{ID: in.ID, Name: in.Name}
	for _, p := range in.Phases {
		out.Phases = append(out.Phases, signalsimsdk.Phase{Name: p.Name, Duration: p.Duration, Signals: p.Signals})
	}
	return out
}

func printState(st signalsimsdk.State) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("%s (%s)\n", st.IntersectionID, st.IntersectionName)
	fmt.Printf("  phase:   %s %d/%ds\n", st.PhaseName, st.ElapsedInPhase, st.PhaseDuration)
	fmt.Printf("  signals: %s\n", formatSignals(st.Signals))
	return nil
}

func formatSignals(signals map[string]string) string {
	keys := make([]string, 0, len(signals))
	for k := range signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+signals[k])
	}
	return strings.Join(parts, " ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
