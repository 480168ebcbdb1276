package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"catequiz.org/internal/ai"
	"catequiz.org/internal/app"
	"catequiz.org/internal/audit"
	"catequiz.org/internal/config"
	"catequiz.org/internal/httpapi"
	"catequiz.org/internal/kv"
)

type storeOpener func(config.Storage) (kv.Store, error)

type cli struct {
	open       storeOpener
	configPath string
	backend    string
	asJSON     bool

	store kv.Store
	deps  httpapi.Deps
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed, color.Bold)
	keyColor  = color.New(color.FgCyan)
)

func newRootCmd(open storeOpener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "catequizctl",
		Short:         "Repair and inspect catequiz data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.connect()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.store == nil {
				return nil
			}
			return c.store.Close()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to the YAML config (defaults to $"+config.EnvFile+")")
	root.PersistentFlags().StringVar(&c.backend, "backend", "", "override storage.backend (memory, badger, postgres)")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print raw JSON")

	repairCmd := &cobra.Command{Use: "repair", Short: "Rewrite damaged records"}
	repairCmd.AddCommand(
		&cobra.Command{
			Use:   "quiz <quiz-id>",
			Short: "Rebuild one quiz from its surviving fields",
			Args:  cobra.ExactArgs(1),
			RunE:  c.repairQuiz,
		},
		&cobra.Command{
			Use:   "parish <parish-id>",
			Short: "Repair quizzes and membership sets of one parish",
			Args:  cobra.ExactArgs(1),
			RunE:  c.repairParish,
		},
		&cobra.Command{
			Use:   "unlink <parish-id> <quiz-id>",
			Short: "Drop one quiz reference from a parish set",
			Args:  cobra.ExactArgs(2),
			RunE:  c.unlinkQuiz,
		},
		&cobra.Command{
			Use:   "system",
			Short: "Repair every parish",
			Args:  cobra.NoArgs,
			RunE:  c.repairSystem,
		},
	)

	diagnoseCmd := &cobra.Command{Use: "diagnose", Short: "Report problems without changing anything"}
	diagnoseCmd.AddCommand(
		&cobra.Command{
			Use:   "quiz <quiz-id>",
			Short: "Show how one quiz decodes",
			Args:  cobra.ExactArgs(1),
			RunE:  c.diagnoseQuiz,
		},
		&cobra.Command{
			Use:   "quizzes <parish-id>",
			Short: "Summarise the quizzes of a parish",
			Args:  cobra.ExactArgs(1),
			RunE:  c.diagnoseQuizzes,
		},
		&cobra.Command{
			Use:   "users <parish-id>",
			Short: "Check parish membership",
			Args:  cobra.ExactArgs(1),
			RunE:  c.diagnoseUsers,
		},
	)

	var limit, hours int
	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "List journaled errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.listErrors(cmd, limit, hours)
		},
	}
	errorsCmd.Flags().IntVar(&limit, "limit", 20, "entries to show")
	errorsCmd.Flags().IntVar(&hours, "hours", 24, "window for the per-kind counts")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close every expired quiz now",
		Args:  cobra.NoArgs,
		RunE:  c.sweep,
	}

	parishesCmd := &cobra.Command{
		Use:   "parishes",
		Short: "List every parish",
		Args:  cobra.NoArgs,
		RunE:  c.listParishes,
	}
	reindexCmd := &cobra.Command{
		Use:   "reindex-emails",
		Short: "Rebuild the e-mail index from the user records",
		Args:  cobra.NoArgs,
		RunE:  c.reindexEmails,
	}

	root.AddCommand(repairCmd, diagnoseCmd, errorsCmd, sweepCmd, parishesCmd, reindexCmd)
	return root
}

func (c *cli) connect() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.backend != "" {
		cfg.Storage.Backend = c.backend
	}
	if cfg.Auth.Secret == "" {
		// tokens are never issued from here
		cfg.Auth.Secret = uuid.NewString()
	}
	store, err := c.open(cfg.Storage)
	if err != nil {
		return err
	}
	deps, err := app.Build(cfg, store, ai.Disabled{})
	if err != nil {
		_ = store.Close()
		return err
	}
	c.store, c.deps = store, deps
	return nil
}

// print writes v as JSON when --json is set and calls human otherwise.
func (c *cli) print(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if c.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func field(w io.Writer, key string, value any) {
	keyColor.Fprintf(w, "%-18s", key)
	fmt.Fprintf(w, " %v\n", value)
}

func list(w io.Writer, key string, ids []string) {
	if len(ids) == 0 {
		return
	}
	warnColor.Fprintf(w, "%s (%d)\n", key, len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  - %s\n", id)
	}
}

func counts[K ~string](w io.Writer, key string, m map[K]int) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, string(k))
	}
	sort.Strings(names)
	for _, n := range names {
		field(w, key+"."+n, m[K(n)])
	}
}

func (c *cli) repairQuiz(cmd *cobra.Command, args []string) error {
	changed, err := c.deps.Repair.RepairQuiz(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(cmd, map[string]any{"id": args[0], "repaired": changed}, func(w io.Writer) {
		if changed {
			okColor.Fprintf(w, "repaired %s\n", args[0])
			return
		}
		fmt.Fprintf(w, "%s needed no repair\n", args[0])
	})
}

func (c *cli) repairParish(cmd *cobra.Command, args []string) error {
	rep, err := c.deps.Repair.RepairParish(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(cmd, rep, func(w io.Writer) {
		field(w, "parish", rep.ParishID)
		field(w, "quizzes", rep.QuizCount)
		field(w, "quizzes repaired", rep.Quizzes.Repaired)
		field(w, "repair failures", rep.Quizzes.Failed)
		field(w, "dangling quizzes", rep.DanglingQuizzes)
		field(w, "dangling users", rep.DanglingUsers)
		field(w, "users", rep.Users)
		if rep.Error != "" {
			badColor.Fprintf(w, "error: %s\n", rep.Error)
		}
	})
}

func (c *cli) repairSystem(cmd *cobra.Command, args []string) error {
	rep, err := c.deps.Repair.RepairSystem(cmd.Context())
	if err != nil {
		return err
	}
	return c.print(cmd, rep, func(w io.Writer) {
		for _, p := range rep.Parishes {
			if p.Error != "" {
				badColor.Fprintf(w, "%s: %s\n", p.ParishID, p.Error)
				continue
			}
			fmt.Fprintf(w, "%s: %d quizzes, %d repaired\n", p.ParishID, p.QuizCount, p.Quizzes.Repaired)
		}
		field(w, "parishes", len(rep.Parishes))
		field(w, "quizzes repaired", rep.Quizzes.Repaired)
		field(w, "repair failures", rep.Quizzes.Failed)
		field(w, "dangling quizzes", rep.DanglingQuizzes)
		field(w, "dangling users", rep.DanglingUsers)
	})
}

func (c *cli) diagnoseQuiz(cmd *cobra.Command, args []string) error {
	d, err := c.deps.Repair.DiagnoseQuiz(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(cmd, d, func(w io.Writer) {
		field(w, "id", d.ID)
		field(w, "exists", d.Exists)
		field(w, "parish", d.ParishID)
		field(w, "questions", d.Questions)
		field(w, "responses", d.ResponseCount)
		if d.Creator != nil {
			field(w, "creator", d.Creator.Name+" ("+string(d.Creator.Role)+")")
		}
		list(w, "decode errors", d.DecodeErrors)
		if d.NeedsRepair {
			badColor.Fprintln(w, "needs repair")
		} else {
			okColor.Fprintln(w, "ok")
		}
	})
}

func (c *cli) diagnoseQuizzes(cmd *cobra.Command, args []string) error {
	d, err := c.deps.Repair.DiagnoseQuizzes(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(cmd, d, func(w io.Writer) {
		field(w, "parish", d.ParishID)
		field(w, "total", d.Total)
		field(w, "expired", d.Expired)
		counts(w, "status", d.ByStatus)
		counts(w, "track", d.ByTrack)
		for _, q := range d.Quizzes {
			line := fmt.Sprintf("%s %-10s %2d questions %3d responses  %s", q.ID, q.Status, q.Questions, q.Responses, q.Title)
			if q.NeedsRepair {
				badColor.Fprintln(w, line)
				continue
			}
			fmt.Fprintln(w, line)
		}
		list(w, "dangling", d.Dangling)
		list(w, "unreadable", d.Unreadable)
	})
}

func (c *cli) diagnoseUsers(cmd *cobra.Command, args []string) error {
	d, err := c.deps.Repair.DiagnoseUsers(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(cmd, d, func(w io.Writer) {
		field(w, "parish", d.ParishID)
		field(w, "total", d.Total)
		counts(w, "role", d.ByRole)
		counts(w, "catechists", d.CatechistsByTrack)
		list(w, "dangling", d.Dangling)
		list(w, "misplaced", d.Misplaced)
	})
}

func (c *cli) listErrors(cmd *cobra.Command, limit, hours int) error {
	if limit <= 0 || hours <= 0 {
		return fmt.Errorf("--limit and --hours must be positive")
	}
	recent, err := c.deps.Errors.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}
	stats, err := c.deps.Errors.Stats(cmd.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return err
	}
	return c.print(cmd, map[string]any{"recent": recent, "stats": stats}, func(w io.Writer) {
		for _, e := range recent {
			warnColor.Fprintf(w, "%s ", e.At.Local().Format(time.DateTime))
			fmt.Fprintf(w, "[%s] %s %s\n", e.Kind, e.ID, e.Message)
		}
		field(w, "last "+strconv.Itoa(hours)+"h", stats.Total)
		counts(w, "kind", stats.ByKind)
	})
}

func (c *cli) sweep(cmd *cobra.Command, args []string) error {
	res, err := c.deps.Quiz.SweepAll(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	return c.print(cmd, res, func(w io.Writer) {
		okColor.Fprintf(w, "closed %d of %d quizzes\n", res.Closed, res.Scanned)
	})
}

func (c *cli) unlinkQuiz(cmd *cobra.Command, args []string) error {
	parishID, quizID := args[0], args[1]
	if err := c.deps.Repos.Quizzes.RemoveFromParish(cmd.Context(), parishID, quizID); err != nil {
		return err
	}
	audit.Record(cmd.Context(), "repair.unlink", map[string]any{"parish_id": parishID, "quiz_id": quizID})
	return c.print(cmd, map[string]any{"parishId": parishID, "quizId": quizID, "removed": true}, func(w io.Writer) {
		okColor.Fprintf(w, "removed %s from %s\n", quizID, parishID)
	})
}

func (c *cli) listParishes(cmd *cobra.Command, args []string) error {
	parishes, err := c.deps.Repos.Parishes.List(cmd.Context())
	if err != nil {
		return err
	}
	return c.print(cmd, parishes, func(w io.Writer) {
		for _, p := range parishes {
			keyColor.Fprintf(w, "%s", p.ID)
			fmt.Fprintf(w, "  %s (%s/%s)\n", p.Name, p.City, p.State)
		}
		field(w, "total", len(parishes))
	})
}

func (c *cli) reindexEmails(cmd *cobra.Command, args []string) error {
	n, dups, err := c.deps.Repos.Users.ReindexEmails(cmd.Context())
	if err != nil {
		return err
	}
	audit.Record(cmd.Context(), "repair.reindex_emails", map[string]any{"indexed": n, "duplicates": len(dups)})
	return c.print(cmd, map[string]any{"indexed": n, "duplicates": dups}, func(w io.Writer) {
		okColor.Fprintf(w, "indexed %d e-mails\n", n)
		list(w, "users sharing an e-mail", dups)
	})
}
