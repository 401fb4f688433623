package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/journal"
)

func newJournalCommand(ctx *commandContext) *cobra.Command {
	var q journal.Query
	cmd := &cobra.Command{
		Use:   "journal BOOK_ID",
		Short: "Page through a book's recorded status changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.cfg.DatabaseDSN == "" {
				return errordefs.New(errordefs.AB_CONFIGURATION, "AUDIOBOOK_DB_DSN is required to read the journal")
			}
			j, err := journal.NewPostgres(cmd.Context(), ctx.cfg.DatabaseDSN)
			if err != nil {
				return errordefs.Wrap(errordefs.AB_CONFIGURATION, "open journal", err)
			}
			defer j.Close()

			q.BookID = args[0]
			page, err := j.Entries(cmd.Context(), q)
			if err != nil {
				return err
			}
			printEntries(cmd, page)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&q.ElementID, "element", "", "Only show this spine element")
	fs.IntVar(&q.Limit, "limit", 0, "Entries per page (default 25, at most 100)")
	fs.StringVar(&q.Cursor, "cursor", "", "Cursor printed by a previous page")
	return cmd
}

func printEntries(cmd *cobra.Command, page *journal.Page) {
	rows := make([][]string, 0, len(page.Entries))
	for _, e := range page.Entries {
		detail := e.Reason
		if e.Status == "downloading" {
			detail = strconv.Itoa(e.Percent) + "%"
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.Seq, 10),
			e.At.Format("2006-01-02 15:04:05"),
			e.ElementID,
			e.Status,
			detail,
			e.Playing,
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable(
		[]string{"Seq", "At", "Element", "Status", "Detail", "Playing"},
		rows,
		[]columnAlignment{alignRight},
	))
	if page.NextCursor != "" {
		fmt.Fprintf(out, "Next page: --cursor %s\n", page.NextCursor)
	}
}
