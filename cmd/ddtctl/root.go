package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/ddt-extractor/internal/app"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/server"
)

// connectFunc returns the control surface to drive and a cleanup hook.
type connectFunc func(ctx context.Context, o *rootOptions) (server.Invoker, func(), error)

type rootOptions struct {
	configPath string
	addr       string
	connect    connectFunc
}

func newRootCmd(connect connectFunc) *cobra.Command {
	if connect == nil {
		connect = defaultConnect
	}
	o := &rootOptions{connect: connect}

	root := &cobra.Command{
		Use:           "ddtctl",
		Short:         "Operate the DDT extraction dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "path to config.yaml (default $DDT_CONFIG or ./config.yaml)")
	root.PersistentFlags().StringVar(&o.addr, "addr", os.Getenv("DDT_ADDR"), "control service address; empty runs in-process")

	root.AddCommand(
		newMigrateCmd(o),
		newIngestCmd(o),
		newProcessCmd(o),
		newBatchCmd(o),
		newListCmd(o),
		newGetCmd(o),
		newResetCmd(o),
		newStatsCmd(o),
		newReviewCmd(o),
		newExportCmd(o),
	)
	return root
}

func defaultConnect(ctx context.Context, o *rootOptions) (server.Invoker, func(), error) {
	if o.addr != "" {
		conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", o.addr, err)
		}
		return server.NewControlClient(conn), func() { _ = conn.Close() }, nil
	}

	cfg, err := common.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := app.NewLogger(os.Stderr, cfg.Log.Level)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	// Close drains queued samples before returning.
	return a.Control, func() { a.Close(context.Background()) }, nil
}

// invoke connects and calls method, returning the reply as a plain map.
func invoke(cmd *cobra.Command, o *rootOptions, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	inv, cleanup, err := o.connect(cmd.Context(), o)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := inv.Invoke(cmd.Context(), method, req)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func runAndPrint(cmd *cobra.Command, o *rootOptions, method string, in map[string]any) error {
	out, err := invoke(cmd, o, method, in)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.LoadConfig(o.configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			logger := app.NewLogger(os.Stderr, cfg.Log.Level)
			db, err := app.OpenDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			db.Close(logger)
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newIngestCmd(o *rootOptions) *cobra.Command {
	var process, upload, includeHidden bool
	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Ingest a PDF or every PDF under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if upload {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				return runAndPrint(cmd, o, "Upload", map[string]any{
					"filename":    filepath.Base(args[0]),
					"data_base64": base64.StdEncoding.EncodeToString(data),
					"process":     process,
				})
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return runAndPrint(cmd, o, "IngestPath", map[string]any{
				"path":        path,
				"process":     process,
				"skip_hidden": !includeHidden,
			})
		},
	}
	cmd.Flags().BoolVar(&process, "process", false, "queue new samples for immediate processing")
	cmd.Flags().BoolVar(&upload, "upload", false, "send the file bytes instead of a server-side path")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "also ingest hidden files and directories")
	return cmd
}

func newProcessCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <sample-id>",
		Short: "Process one pending sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, o, "ProcessSample", map[string]any{"id": args[0]})
		},
	}
}

func newBatchCmd(o *rootOptions) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process every pending sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAndPrint(cmd, o, "RunBatch", map[string]any{"async": async})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "return once the batch has started (remote only)")
	return cmd
}

func newListCmd(o *rootOptions) *cobra.Command {
	var status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List samples, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAndPrint(cmd, o, "ListSamples", map[string]any{"status": status, "limit": limit, "offset": offset})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (e.g. needs_review)")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newGetCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <sample-id>",
		Short: "Show one sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, o, "GetSample", map[string]any{"id": args[0]})
		},
	}
}

func newResetCmd(o *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [sample-id...]",
		Short: "Return samples to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]any, 0, len(args))
			for _, a := range args {
				ids = append(ids, a)
			}
			return runAndPrint(cmd, o, "ResetSamples", map[string]any{"ids": ids, "all": all})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every non-pending sample")
	return cmd
}

func newStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show processing statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAndPrint(cmd, o, "GetStats", nil)
		},
	}
}

func newReviewCmd(o *rootOptions) *cobra.Command {
	var approve, reject bool
	var source, outputFile, notes string
	cmd := &cobra.Command{
		Use:   "review <sample-id>",
		Short: "Approve or reject a processed sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"id": args[0], "notes": notes, "source": source}
			switch {
			case approve:
				in["decision"] = "approve"
			case reject:
				in["decision"] = "reject"
			}
			if outputFile != "" {
				raw, err := os.ReadFile(outputFile)
				if err != nil {
					return err
				}
				var fields map[string]any
				if err := json.Unmarshal(raw, &fields); err != nil {
					return fmt.Errorf("parse %s: %w", outputFile, err)
				}
				in["output"] = fields
			}
			return runAndPrint(cmd, o, "ReviewSample", in)
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "accept the sample")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the sample")
	cmd.Flags().StringVar(&source, "source", "", "accept the datalab or gemini extraction as is")
	cmd.Flags().StringVar(&outputFile, "output", "", "JSON file with corrected fields")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	cmd.MarkFlagsOneRequired("approve", "reject")
	return cmd
}

func newExportCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the dataset",
	}

	var outDir, ocrSource string
	var flatten bool
	alpaca := &cobra.Command{
		Use:   "alpaca",
		Short: "Write train.jsonl, validation.jsonl and quality_report.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := map[string]any{"format": "alpaca", "output_dir": outDir, "ocr_source": ocrSource}
			if cmd.Flags().Changed("flatten") {
				in["flatten"] = flatten
			}
			return runAndPrint(cmd, o, "ExportDataset", in)
		},
	}
	alpaca.Flags().StringVar(&outDir, "out", "", "output directory (default export.output_dir)")
	alpaca.Flags().StringVar(&ocrSource, "ocr-source", "", "azure or datalab (default export.ocr_source)")
	alpaca.Flags().BoolVar(&flatten, "flatten", false, "convert OCR markdown to plain text")

	var outFile, status string
	xlsx := &cobra.Command{
		Use:   "xlsx",
		Short: "Write the review workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := invoke(cmd, o, "ExportDataset", map[string]any{"format": "xlsx", "status": status})
			if err != nil {
				return err
			}
			encoded, _ := out["xlsx_base64"].(string)
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("decode workbook: %w", err)
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", outFile, len(data))
			return nil
		},
	}
	xlsx.Flags().StringVar(&outFile, "out", "ddt_review.xlsx", "output file")
	xlsx.Flags().StringVar(&status, "status", "", "only samples in this status")

	cmd.AddCommand(alpaca, xlsx)
	return cmd
}
