package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/attkit/internal/loopback"
	"github.com/srg/attkit/pkg/att"
)

var tableJSON bool

// tableCmd represents the table command
var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Show the attribute table exposed by the loopback peer",
	Args:  cobra.NoArgs,
	RunE:  runTable,
}

func init() {
	tableCmd.Flags().BoolVar(&tableJSON, "json", false, "Print the table as JSON")
}

// tableRow is the JSON form of one attribute.
type tableRow struct {
	Handle uint16 `json:"handle"`
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Flags  string `json:"flags"`
	Value  string `json:"value"`
}

func runTable(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	link := loopback.New(&cfg.ATT, nil, logger)
	attrs, err := registerDemo(link.B())
	if err != nil {
		return err
	}

	var rows []tableRow
	link.B().Table().Walk(func(e *att.Entry) att.WalkResult {
		a := attrs[e.Handle]
		rows = append(rows, tableRow{
			Handle: e.Handle,
			UUID:   e.UUID.String(),
			Name:   a.name,
			Flags:  e.Flags.String(),
			Value:  hex.EncodeToString(a.value.Bytes()),
		})
		return att.WalkContinue
	})

	out := cmd.OutOrStdout()
	if tableJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	colors := newPalette(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, colors.header.Sprint("HANDLE\tUUID\tNAME\tFLAGS\tVALUE"))
	for _, r := range rows {
		value, _ := hex.DecodeString(r.Value)
		fmt.Fprintf(tw, "0x%04x\t%s\t%s\t%s\t%s\n", r.Handle, r.UUID, r.Name, r.Flags, formatHex(value))
	}
	return tw.Flush()
}
