package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/attkit/internal/loopback"
	"github.com/srg/attkit/pkg/att"
)

// loopbackConn is the connection handle the loopback link runs on.
const loopbackConn uint16 = 0x0040

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <handle> <data>",
	Short: "Write to an attribute of the loopback peer",
	Long: `Writes data to an attribute of the demo table exposed by the loopback peer
(see "attctl table") and prints the value the peer ends up holding.

Examples:
  # Long write (Prepare/Execute) of a string
  attctl write 3 "hello, world"

  # Write Request with hex data
  attctl write 0x0002 01 --hex --mode with-response

  # Negotiate a larger MTU first, trace every PDU
  attctl write 3 "$(head -c 300 /dev/zero | tr '\0' x)" --mtu 185 --trace

  # Corrupt the second Prepare Write Response echo
  attctl write 3 "$(head -c 60 /dev/zero | tr '\0' x)" --fault offset --fault-segment 2 --trace`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	writeMode         string
	writeHex          bool
	writeMTU          int
	writeTrace        bool
	writeFault        string
	writeFaultSegment int
	writeTimeout      time.Duration
	writeShortLong    bool
)

func init() {
	writeCmd.Flags().StringVar(&writeMode, "mode", "long", "Write mode: without-response, with-response or long")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().IntVar(&writeMTU, "mtu", 0, "Exchange this MTU before writing; default 0 keeps the configured MTU")
	writeCmd.Flags().BoolVar(&writeTrace, "trace", false, "Print every PDU crossing the link")
	writeCmd.Flags().StringVar(&writeFault, "fault", "none", "Corrupt a Prepare Write Response echo: none, handle, offset, value or length")
	writeCmd.Flags().IntVar(&writeFaultSegment, "fault-segment", 1, "Which Prepare Write Response (1-based) --fault applies to")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 0, "Write timeout; default 0 uses the configured write_timeout")
	writeCmd.Flags().BoolVar(&writeShortLong, "short-long-writes", false, "Send long writes that fit one PDU as a Write Request")
}

func runWrite(cmd *cobra.Command, args []string) error {
	handle, err := parseHandle(args[0])
	if err != nil {
		return err
	}

	data, err := parseWriteData(args[1])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

	mode, err := parseMode(writeMode)
	if err != nil {
		return err
	}

	fault, err := loopback.ParseFault(writeFault)
	if err != nil {
		return err
	}
	if writeFaultSegment < 1 {
		return fmt.Errorf("--fault-segment must be >= 1")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if writeShortLong {
		cfg.ATT.ShortLongWrites = true
	}
	if writeTimeout > 0 {
		cfg.WriteTimeout = writeTimeout
	}
	if writeMTU > 0 {
		cfg.ATT.MTU = writeMTU
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	colors := newPalette(out)

	link := loopback.New(&cfg.ATT, nil, logger)
	attrs, err := registerDemo(link.B())
	if err != nil {
		return err
	}
	target, ok := attrs[handle]
	if !ok {
		return fmt.Errorf("no attribute with handle 0x%04x (see 'attctl table')", handle)
	}

	// faults go first so the trace shows what the engine actually receives
	var taps []loopback.Tap
	if fault != loopback.FaultNone {
		taps = append(taps, loopback.CorruptPrepareResponse(writeFaultSegment, fault))
	}
	if writeTrace {
		taps = append(taps, traceTap(out, colors))
	}
	link.SetTap(loopback.Chain(taps...))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.WriteTimeout)
	stopped := link.Run(ctx, cfg.PumpInterval)
	defer func() {
		cancel()
		<-stopped
	}()

	if writeMTU > 0 {
		mtu, err := exchangeMTU(ctx, link.A(), writeMTU)
		if err != nil {
			return fmt.Errorf("MTU exchange failed: %w", err)
		}
		fmt.Fprintf(out, "MTU: %d\n", mtu)
	}

	tx, err := link.A().Write(loopbackConn, handle, data, mode, nil)
	if err != nil {
		return err
	}
	res, err := tx.Wait(ctx)
	if err != nil {
		return err
	}

	// a Write Command completes before the peer has seen it
	if _, err := link.Pump(); err != nil {
		return err
	}

	fmt.Fprintln(out, colors.ok.Sprintf("Write successful (%s, %d bytes, handle 0x%04x)", mode, len(res.Value), res.Handle))
	fmt.Fprintf(out, "%s: %s\n", target.name, formatHex(target.value.Bytes()))
	return nil
}

// exchangeMTU runs an MTU exchange on the loopback connection and waits for it.
func exchangeMTU(ctx context.Context, s *att.Stack, mtu int) (int, error) {
	type result struct {
		mtu int
		err error
	}
	done := make(chan result, 1)
	if err := s.ExchangeMTU(loopbackConn, mtu, func(mtu int, err error) {
		done <- result{mtu, err}
	}); err != nil {
		return 0, err
	}
	select {
	case r := <-done:
		return r.mtu, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// parseHandle accepts decimal or 0x-prefixed hex handles.
func parseHandle(s string) (uint16, error) {
	h, err := strconv.ParseUint(s, 0, 16)
	if err != nil || h == 0 {
		return 0, fmt.Errorf("invalid handle %q: must be 1-0xffff", s)
	}
	return uint16(h), nil
}

func parseMode(s string) (att.Mode, error) {
	for _, m := range []att.Mode{att.ModeWithoutResponse, att.ModeWithResponse, att.ModeLong} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid mode: %s (must be without-response, with-response or long)", s)
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
