package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/progress"
	"github.com/journalcraft/journal-crew/pkg/types"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one journal in-process",
	Long: `Run the full pipeline for a single journal and print progress as it
happens. The command exits non-zero when the job fails.

Examples:
  journal-crew generate --theme gratitude --title-style inspirational \
    --author-style empathetic --research-depth light
  journal-crew generate --theme resilience --title-style bold --author-style coach --json`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().String("theme", "", "Journal theme (required)")
	generateCmd.Flags().String("title-style", "inspirational", "Style of the journal title")
	generateCmd.Flags().String("author-style", "empathetic", "Voice the entries are written in")
	generateCmd.Flags().String("research-depth", "medium", "Research depth: light, medium or deep")
	generateCmd.Flags().String("owner", "cli", "Owner id recorded on the job")
	generateCmd.Flags().Bool("json", false, "Print progress events as JSON lines")
	_ = generateCmd.MarkFlagRequired("theme")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	prefs := types.Preferences{}
	prefs.Theme, _ = cmd.Flags().GetString("theme")
	prefs.TitleStyle, _ = cmd.Flags().GetString("title-style")
	prefs.AuthorStyle, _ = cmd.Flags().GetString("author-style")
	prefs.ResearchDepth, _ = cmd.Flags().GetString("research-depth")
	owner, _ := cmd.Flags().GetString("owner")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	// stdout carries the progress output
	setupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.coordinator.Submit(ctx, owner, prefs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sub := progress.NewChanSubscriber("cli-"+job.ID, 64)
	defer sub.Close()
	defer a.broadcaster.Unsubscribe(job.ID, sub)
	a.broadcaster.Subscribe(job.ID, sub, job.Event())

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for {
			select {
			case ev := <-sub.Events():
				printEvent(out, ev, asJSON)
				if ev.Status.IsTerminal() {
					return
				}
			case <-sub.Done():
				return
			}
		}
	}()

	final, err := a.coordinator.Run(ctx, job.ID)
	if err != nil {
		return err
	}
	<-printed

	if final.Status != types.JobStatusCompleted {
		if final.Error != nil {
			return fmt.Errorf("journal %s failed at %s: %s", final.ID, final.Error.Stage, final.Error.Message)
		}
		return fmt.Errorf("journal %s ended as %s", final.ID, final.Status)
	}

	if !asJSON {
		fmt.Fprintf(out, "\nJournal %s completed\n", final.ID)
		for _, f := range final.Artifacts() {
			fmt.Fprintf(out, "  %s  %s  %d bytes\n", f.Name, f.Key, f.Size)
		}
	}
	return nil
}

func printEvent(w io.Writer, ev types.ProgressEvent, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(ev)
		return
	}
	line := fmt.Sprintf("[%3d%%] %-9s %s", ev.ProgressPercent, ev.Status, ev.CurrentStage)
	if ev.Error != nil {
		line += fmt.Sprintf(" (%s: %s)", ev.Error.Kind, ev.Error.Message)
	}
	fmt.Fprintln(w, line)
}
