package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/complykit/auditledger/internal/ledger"
)

// ============================================================================
// ledgerctl append — Append a record
// ============================================================================

var (
	appendContent string
	appendContext string
)

var appendCmd = &cobra.Command{
	Use:   "append <chain>",
	Short: "Append a record to a chain",
	Long: `Append a JSON object to a chain. Content comes from --content or stdin.
Fields matched by the protection policy are encrypted before hashing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := []byte(appendContent)
		if appendContent == "" {
			var err error
			if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
		}
		if !json.Valid(raw) {
			return errors.New("content must be a JSON object")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Append(cmd.Context(), args[0], json.RawMessage(raw), appendContext)
		if err != nil {
			return err
		}
		fmt.Printf("[ledgerctl] Appended %s #%d\n", rec.ChainID, rec.Sequence)
		fmt.Printf("  id:         %s\n", rec.ID)
		fmt.Printf("  chain_hash: %s\n", rec.ChainHash)
		fmt.Printf("  key_id:     %s\n", rec.KeyID)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendContent, "content", "", "Record content as a JSON object (default: read stdin)")
	appendCmd.Flags().StringVar(&appendContext, "context", "", "Context bound to protected fields (default: chain id)")
}

// ============================================================================
// ledgerctl show — Show records
// ============================================================================

var (
	showLimit   int
	showReveal  bool
	showContext string
)

var showCmd = &cobra.Command{
	Use:   "show <chain> [sequence]",
	Short: "Show records of a chain",
	Long: `Show records of a chain as JSON. With a sequence, show that record and
its verification result. --reveal decrypts protected fields.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if len(args) == 2 {
			seq, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence %q", args[1])
			}
			rec, err := a.Store().Get(ctx, args[0], seq)
			if err != nil {
				return err
			}
			out := map[string]any{
				"record":       rec,
				"verification": a.VerifyRecord(rec),
			}
			if showReveal {
				doc, err := a.Reveal(rec, showContext)
				if err != nil {
					return err
				}
				out["revealed"] = doc
			}
			return enc.Encode(out)
		}

		recs, err := ledger.Records(ctx, a.Store(), args[0], 0, showLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Printf("[ledgerctl] Chain %s is empty\n", args[0])
			return nil
		}
		for _, rec := range recs {
			if !showReveal {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				continue
			}
			doc, err := a.Reveal(rec, showContext)
			if err != nil {
				return fmt.Errorf("revealing #%d: %w", rec.Sequence, err)
			}
			if err := enc.Encode(map[string]any{"sequence": rec.Sequence, "content": doc}); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 50, "Maximum records to show (0 = all)")
	showCmd.Flags().BoolVar(&showReveal, "reveal", false, "Decrypt protected fields")
	showCmd.Flags().StringVar(&showContext, "context", "", "Context the fields were protected with (default: chain id)")
}

// ============================================================================
// ledgerctl verify — Verify chains
// ============================================================================

var (
	verifyFrom string
	verifyTo   string
	verifyJSON bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify [chain]",
	Short: "Verify one chain or all chains",
	Long: `Recompute every hash and check every signature. Without a chain
argument all chains are verified. Exits non-zero if any chain is broken.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var results []ledger.ChainResult
		if len(args) == 1 {
			r, err := parseRange(verifyFrom, verifyTo)
			if err != nil {
				return err
			}
			res, err := a.VerifyChain(ctx, args[0], r)
			if err != nil {
				return err
			}
			results = []ledger.ChainResult{res}
		} else {
			if verifyFrom != "" || verifyTo != "" {
				return errors.New("--from and --to need a chain argument")
			}
			if results, err = a.VerifyAll(ctx); err != nil {
				return err
			}
		}

		if verifyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
		} else {
			printResults(results)
		}

		broken := 0
		for _, res := range results {
			if !res.Valid {
				broken++
			}
		}
		if broken > 0 {
			return fmt.Errorf("%d of %d chains failed verification", broken, len(results))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFrom, "from", "", "First sequence to verify")
	verifyCmd.Flags().StringVar(&verifyTo, "to", "", "Last sequence to verify")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print results as JSON")
}

func parseRange(from, to string) (ledger.Range, error) {
	var r ledger.Range
	for _, b := range []struct {
		flag string
		val  string
		dst  **uint64
	}{{"--from", from, &r.From}, {"--to", to, &r.To}} {
		if b.val == "" {
			continue
		}
		n, err := strconv.ParseUint(b.val, 10, 64)
		if err != nil {
			return r, fmt.Errorf("invalid %s %q", b.flag, b.val)
		}
		*b.dst = &n
	}
	if r.From != nil && r.To != nil && *r.From > *r.To {
		return r, errors.New("--from must not exceed --to")
	}
	return r, nil
}

func printResults(results []ledger.ChainResult) {
	if len(results) == 0 {
		fmt.Println("No chains.")
		return
	}
	fmt.Printf("%-30s %-8s %-8s %s\n", "CHAIN", "STATUS", "CHECKED", "DETAIL")
	fmt.Println(strings.Repeat("-", 80))
	for _, res := range results {
		status, detail := "OK", ""
		if res.ResumedFrom != nil {
			detail = fmt.Sprintf("resumed after #%d", res.ResumedFrom.Sequence)
		}
		if !res.Valid {
			status = "BROKEN"
			detail = string(res.Reason)
			if res.FirstBrokenSequence != nil {
				detail = fmt.Sprintf("#%d %s", *res.FirstBrokenSequence, res.Reason)
			}
			if res.Detail != "" {
				detail += ": " + res.Detail
			}
		}
		fmt.Printf("%-30s %-8s %-8d %s\n", res.ChainID, status, res.Checked, detail)
	}
}

// ============================================================================
// ledgerctl export — Export a chain
// ============================================================================

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <chain>",
	Short: "Export a chain (jsonl, json, csv)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		w := io.Writer(os.Stdout)
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return ledger.Export(ctx, a.Store(), args[0], w, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "jsonl", "Output format: jsonl, json, csv")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
}
