package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"entgo.io/ent/dialect"
)

const samplesTable = "dataset_samples"

// Column names of samplesTable.
const (
	colID               = "id"
	colFilename         = "filename"
	colStoragePath      = "pdf_storage_path"
	colFileSize         = "file_size_bytes"
	colContentHash      = "content_hash"
	colDatalabRawOCR    = "datalab_raw_ocr"
	colDatalabJSON      = "datalab_json"
	colDatalabTimeMs    = "datalab_processing_time_ms"
	colDatalabError     = "datalab_error"
	colAzureRawOCR      = "azure_raw_ocr"
	colAzureTimeMs      = "azure_processing_time_ms"
	colAzureError       = "azure_error"
	colStructurerJSON   = "gemini_json"
	colStructurerTimeMs = "gemini_processing_time_ms"
	colStructurerError  = "gemini_error"
	colMatchScore       = "match_score"
	colDiscrepancies    = "discrepancies"
	colStatus           = "status"
	colValidatedOutput  = "validated_output"
	colValidationSource = "validation_source"
	colValidatorNotes   = "validator_notes"
	colDatasetSplit     = "dataset_split"
	colCreatedAt        = "created_at"
	colUpdatedAt        = "updated_at"
)

// sampleColumns is the select list, in scan order.
var sampleColumns = []string{
	colID, colFilename, colStoragePath, colFileSize, colContentHash,
	colDatalabRawOCR, colDatalabJSON, colDatalabTimeMs, colDatalabError,
	colAzureRawOCR, colAzureTimeMs, colAzureError,
	colStructurerJSON, colStructurerTimeMs, colStructurerError,
	colMatchScore, colDiscrepancies, colStatus,
	colValidatedOutput, colValidationSource, colValidatorNotes, colDatasetSplit,
	colCreatedAt, colUpdatedAt,
}

type columnTypes struct {
	uuid, text, bigint, float, blob, json, timestamp string
}

func typesFor(d string) columnTypes {
	if d == dialect.Postgres {
		return columnTypes{"UUID", "TEXT", "BIGINT", "DOUBLE PRECISION", "BYTEA", "JSONB", "TIMESTAMPTZ"}
	}
	return columnTypes{"TEXT", "TEXT", "INTEGER", "REAL", "BLOB", "TEXT", "DATETIME"}
}

type columnDef struct {
	name, typ string
	notNull   bool
}

func sampleColumnDefs(t columnTypes) []columnDef {
	return []columnDef{
		{colID, t.uuid, true},
		{colFilename, t.text, true},
		{colStoragePath, t.text, true},
		{colFileSize, t.bigint, false},
		{colContentHash, t.blob, false},
		{colDatalabRawOCR, t.text, false},
		{colDatalabJSON, t.json, false},
		{colDatalabTimeMs, t.bigint, false},
		{colDatalabError, t.text, false},
		{colAzureRawOCR, t.text, false},
		{colAzureTimeMs, t.bigint, false},
		{colAzureError, t.text, false},
		{colStructurerJSON, t.json, false},
		{colStructurerTimeMs, t.bigint, false},
		{colStructurerError, t.text, false},
		{colMatchScore, t.float, false},
		{colDiscrepancies, t.json, false},
		{colStatus, t.text, true},
		{colValidatedOutput, t.json, false},
		{colValidationSource, t.text, false},
		{colValidatorNotes, t.text, false},
		{colDatasetSplit, t.text, false},
		{colCreatedAt, t.timestamp, true},
		{colUpdatedAt, t.timestamp, true},
	}
}

// schemaStatements returns the idempotent DDL for the given dialect.
func schemaStatements(d string) []string {
	defs := sampleColumnDefs(typesFor(d))
	cols := make([]string, 0, len(defs)+1)
	for _, c := range defs {
		line := c.name + " " + c.typ
		if c.notNull {
			line += " NOT NULL"
		}
		cols = append(cols, line)
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", colID))

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", samplesTable, strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (%[2]s)", samplesTable, colStatus),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (%[2]s)", samplesTable, colCreatedAt),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_content_hash ON %[1]s (%[2]s)", samplesTable, colContentHash),
	}
}

// Migrate creates the samples table and its indexes when missing.
func Migrate(ctx context.Context, db *DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, stmt := range schemaStatements(db.Dialect) {
		if _, err := db.SQL.ExecContext(ctx, stmt); err != nil {
			logger.Error("repository.migrate.failed", "error", err, "stmt", stmt)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("repository.migrate.ok", "dialect", db.Dialect, "table", samplesTable)
	return nil
}
