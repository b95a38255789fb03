package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/splax/localvercel/internal/state"
	"github.com/splax/localvercel/pkg/config"
)

func newStateCommand(load func() (config.AgentConfig, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the runtime records kept on this node",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print records as JSON")

	open := func() (*state.Store, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return state.Open(filepath.Join(cfg.DataDir, "state"), cfg.StateKey)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "apps",
		Short: "List application runtime records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			apps, err := store.ListApps()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, apps)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tSTATUS\tINSTANCES\tIMAGE\tPORTS\tDOMAINS")
			for _, app := range apps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\t%v\n", app.AppID, app.Status, app.Instances, app.Image, app.HostPorts, app.Domains)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "databases",
		Short: "List database runtime records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			dbs, err := store.ListDatabases()
			if err != nil {
				return err
			}
			if asJSON {
				for i := range dbs {
					dbs[i].Password = ""
				}
				return printJSON(cmd, dbs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATABASE\tENGINE\tVERSION\tAPP\tPORT\tCONTAINER")
			for _, db := range dbs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", db.ID, db.Engine, db.Version, db.AppID, db.HostPort, db.Container)
			}
			return w.Flush()
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
