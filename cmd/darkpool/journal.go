package main

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"darkpool/config"
	entrywal "darkpool/infra/wal/entry"
	"darkpool/service"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the command journal",
}

var journalAfter uint64

var journalInspectCmd = &cobra.Command{
	Use:   "inspect [dir]",
	Short: "Print journal records as JSON lines",
	Long: `Print every journal record after --after as one JSON object per line.
The directory defaults to journal.dir of the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: inspectJournal,
}

func init() {
	journalInspectCmd.Flags().Uint64Var(&journalAfter, "after", 0, "skip records up to this sequence")
	journalCmd.AddCommand(journalInspectCmd)
}

type journalLine struct {
	Seq     uint64           `json:"seq"`
	Time    time.Time        `json:"time"`
	Command string           `json:"command"`
	Body    *service.Command `json:"body,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func inspectJournal(cmd *cobra.Command, args []string) error {
	dir := config.Default().Journal.Dir
	switch {
	case len(args) == 1:
		dir = args[0]
	case configFile != "":
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		dir = cfg.Journal.Dir
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	_, err := entrywal.Replay(dir, journalAfter, func(rec *entrywal.Record) error {
		line := journalLine{Seq: rec.Seq, Time: rec.At(), Command: service.CommandName(rec.Type)}
		c, err := service.DecodeCommand(rec.Type, rec.Data)
		if err != nil {
			line.Error = err.Error()
		} else {
			line.Body = &c
		}
		return enc.Encode(line)
	})
	return err
}
