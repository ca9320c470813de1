package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tissuecomp/pkg/config"
	"tissuecomp/pkg/report"
	"tissuecomp/pkg/store"
)

var (
	runsDB     string
	runsSource string
)

// runsCmd queries the results database
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect results stored in the database",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openRunsDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(cmd.Context(), runsSource)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tCREATED\tOBSERVATIONS\tCOMPONENTS\tSOURCE")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.Observations, r.Components, r.Source)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a stored result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		db, err := openRunsDB()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := db.LoadResult(cmd.Context(), id)
		if err != nil {
			return err
		}
		return report.WriteJSON(cmd.OutOrStdout(), res)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		db, err := openRunsDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteRun(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", id)
		return nil
	},
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsDB, "db", "", "SQLite results database (default: output.database from the config)")
	runsListCmd.Flags().StringVar(&runsSource, "source", "", "Only list runs of this dataset path")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
}

// openRunsDB opens the database named by --db or the configuration
func openRunsDB() (*store.DB, error) {
	path := runsDB
	if path == "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Output.Database
	}
	if path == "" {
		return nil, errors.New("no results database: pass --db or set output.database")
	}
	if err := config.CheckFile(path); err != nil {
		return nil, err
	}
	return store.Open(path)
}
