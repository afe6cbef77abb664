package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
)

func (s *Service) Export(ctx context.Context, req ledgerdomain.ExportRequest) (*ledgerdomain.ExportResult, error) {
	wallet, err := s.tenantWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if req.Format == "" {
		req.Format = ledgerdomain.ExportFormatCSV
	}
	if req.Format != ledgerdomain.ExportFormatCSV && req.Format != ledgerdomain.ExportFormatJSON {
		return nil, ledgerdomain.ErrInvalidExportFormat
	}

	rows, err := s.repo.ListAll(ctx, s.db, wallet.ID, ledgerdomain.ListFilter{
		Since: req.Since,
		Until: req.Until,
	})
	if err != nil {
		return nil, err
	}

	var data []byte
	switch req.Format {
	case ledgerdomain.ExportFormatCSV:
		data, err = formatCSV(rows)
	case ledgerdomain.ExportFormatJSON:
		data, err = formatJSON(rows)
	}
	if err != nil {
		return nil, err
	}

	return &ledgerdomain.ExportResult{
		Data:     data,
		Checksum: calculateChecksum(data),
		Format:   req.Format,
		Count:    len(rows),
	}, nil
}

var csvHeader = []string{
	"id",
	"created_at",
	"wallet_id",
	"transaction_type",
	"amount",
	"balance_before",
	"balance_after",
	"reserved_delta",
	"reserved_before",
	"reserved_after",
	"idempotency_key",
	"reference_type",
	"reference_id",
	"created_by",
	"description",
}

func formatCSV(rows []*ledgerdomain.LedgerTransaction) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.ID.String(),
			row.CreatedAt.UTC().Format(time.RFC3339Nano),
			row.WalletID.String(),
			string(row.TransactionType),
			strconv.FormatInt(row.Amount, 10),
			strconv.FormatInt(row.BalanceBefore, 10),
			strconv.FormatInt(row.BalanceAfter, 10),
			strconv.FormatInt(row.ReservedDelta, 10),
			strconv.FormatInt(row.ReservedBefore, 10),
			strconv.FormatInt(row.ReservedAfter, 10),
			row.IdempotencyKey,
			row.ReferenceType,
			row.ReferenceID,
			row.CreatedBy,
			row.Description,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatJSON(rows []*ledgerdomain.LedgerTransaction) ([]byte, error) {
	if rows == nil {
		rows = []*ledgerdomain.LedgerTransaction{}
	}
	return json.MarshalIndent(rows, "", "  ")
}

func calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
