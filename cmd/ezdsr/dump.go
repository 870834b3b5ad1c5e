package main

import (
	"io"
	"sort"
	"strconv"

	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/server"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the service directory and flow states built from the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newToolLogger()
			defer logger.Sync()

			lbMgr, _, err := server.LoadTables(configPath, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printServices(out, lbMgr.GetServices())
			printStates(out, lbMgr.GetStates())
			return nil
		},
	}
}

func newTable(out io.Writer, header table.Row) table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.SetOutputMirror(out)
	tbl.AppendHeader(header)
	return tbl
}

func printServices(out io.Writer, entries []lbmap.ServiceEntry) {
	tbl := newTable(out, table.Row{"Service", "Name", "Proto", "Slave", "Backend"})
	for _, entry := range entries {
		service := "[" + entry.Key.Address.String() + "]:" + strconv.Itoa(int(entry.Key.Port))
		if len(entry.Backends) == 0 {
			tbl.AppendRow(table.Row{service, entry.Name, entry.Protocol, 0, "-"})
			continue
		}
		for i, backend := range entry.Backends {
			tbl.AppendRow(table.Row{service, entry.Name, entry.Protocol, i + 1, backend.String()})
		}
		tbl.AppendSeparator()
	}
	tbl.Render()
}

func printStates(out io.Writer, states map[lbmap.StateKey]lbmap.StateValue) {
	ids := make([]lbmap.StateKey, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tbl := newTable(out, table.Row{"State", "Restores"})
	for _, id := range ids {
		tbl.AppendRow(table.Row{id, states[id].String()})
	}
	tbl.Render()
}
