package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/resilive/edgegate/internal/config"
	"github.com/resilive/edgegate/internal/store"
)

// newDumpCmd returns the mirror inspection command.
func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the mirrored community directory",
		Long:  "Reads the local mirror database and prints every stored community document. Works offline; the daemon does not have to be running.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDump(cmd, resolvedCfg)
		},
	}
}

// dumpRecord is the JSON output shape for one mirrored document.
type dumpRecord struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

func runDump(cmd *cobra.Command, cfg *config.Config) error {
	logger := buildLogger(cfg)

	dbPath := cfg.Mirror.DBPath
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no mirror database at %s (run the daemon once to populate it)", dbPath)
		}

		return fmt.Errorf("checking mirror database: %w", err)
	}

	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("opening mirror store: %w", err)
	}
	defer st.Close()

	records, err := st.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing mirror records: %w", err)
	}

	if flagJSON {
		return writeDumpJSON(cmd.OutOrStdout(), records)
	}

	return writeDumpText(cmd.OutOrStdout(), records)
}

func writeDumpJSON(w io.Writer, records []*store.Record) error {
	out := make([]dumpRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, dumpRecord{
			ID:        rec.ID,
			UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC(),
			Data:      json.RawMessage(rec.Data),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func writeDumpText(w io.Writer, records []*store.Record) error {
	for _, rec := range records {
		fmt.Fprintf(w, "%s  (updated %s)\n",
			rec.ID, time.Unix(0, rec.UpdatedAt).UTC().Format(time.RFC3339))

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, rec.Data, "", "  "); err != nil {
			// A mirror entry the service stored malformed still prints.
			fmt.Fprintf(w, "(undecodable: %v) %s\n\n", err, rec.Data)

			continue
		}

		fmt.Fprintf(w, "%s\n\n", pretty.Bytes())
	}

	fmt.Fprintf(w, "total: %d\n", len(records))

	return nil
}
