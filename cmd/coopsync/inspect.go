package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/coopsync/internal/capture"
	"github.com/1ureka/coopsync/internal/protocol"
	"github.com/1ureka/coopsync/internal/util"
)

func inspectCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect <capture-file>",
		Short: "Print the datagrams of a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := capture.ReadFile(args[0])
			if err != nil && len(records) == 0 {
				return err
			}
			if err != nil {
				util.LogWarning("capture ends early: %v", err)
			}
			return renderCapture(records, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many records (0 = all)")
	return cmd
}

// renderCapture prints one table row per record and a byte summary.
func renderCapture(records []capture.Record, limit int) error {
	data := pterm.TableData{{"#", "Time", "Dir", "Peer", "Type", "Sub", "From", "Seq", "Rel", "Bytes"}}

	var in, out int64
	for i, rec := range records {
		if rec.Outbound {
			out += int64(len(rec.Datagram))
		} else {
			in += int64(len(rec.Datagram))
		}
		if limit > 0 && i >= limit {
			continue
		}

		dir := "in"
		if rec.Outbound {
			dir = "out"
		}
		row := []string{strconv.Itoa(i), rec.Time.Format("15:04:05.000"), dir, rec.Peer.String()}

		pkt, err := protocol.Decode(rec.Datagram, rec.Peer)
		if err != nil {
			row = append(row, "malformed", "", "", "", "")
		} else {
			row = append(row,
				pkt.Type.String(),
				pkt.Subtype.String(),
				strconv.Itoa(int(pkt.SenderID)),
				strconv.Itoa(int(pkt.Sequence)),
				strconv.FormatBool(pkt.Reliable),
			)
		}
		row = append(row, strconv.Itoa(len(rec.Datagram)))
		data = append(data, row)
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Println(fmt.Sprintf("%d records | in %s | out %s",
		len(records), util.FormatBytes(in), util.FormatBytes(out)))
	return nil
}
