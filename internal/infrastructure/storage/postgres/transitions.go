package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	"emisor/internal/core/fiscal"
	"emisor/internal/core/id"
)

// CompressionAlgo specifies the compression algorithm used for a detail payload.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// TransitionEntry is one row of the append-only state transition trail.
// The trail exists for compliance review; entries are written in the same
// transaction as the state change they record and never updated or deleted.
type TransitionEntry struct {
	ID               id.ID           `db:"id"`
	TenantID         string          `db:"tenant_id"`
	DocumentID       id.ID           `db:"document_id"`
	FromStatus       string          `db:"from_status"`
	ToStatus         string          `db:"to_status"`
	Detail           json.RawMessage `db:"detail"`
	DetailCompressed []byte          `db:"detail_compressed"`
	CompressionAlgo  CompressionAlgo `db:"compression_algo"`
	CreatedAt        time.Time       `db:"created_at"`
}

// TransitionTrail records document state transitions.
// Large detail payloads (signed XML, authority responses) are
// zstd-compressed above the threshold.
type TransitionTrail struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int // bytes
}

// NewTransitionTrail creates the trail service.
func NewTransitionTrail(txm *TxManager) (*TransitionTrail, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &TransitionTrail{
		txManager:         txm,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 10 * 1024, // 10KB
	}, nil
}

func (s *TransitionTrail) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Record appends one transition. Call inside the transaction that performs
// the state change so the trail can never disagree with the document row.
func (s *TransitionTrail) Record(ctx context.Context, doc *fiscal.Document, from, to fiscal.Status, detail any) error {
	entry := TransitionEntry{
		ID:              id.New(),
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		FromStatus:      string(from),
		ToStatus:        string(to),
		CompressionAlgo: CompressionNone,
		CreatedAt:       time.Now().UTC(),
	}

	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode transition detail: %w", err)
		}
		if len(raw) > s.compressThreshold {
			entry.DetailCompressed = s.encoder.EncodeAll(raw, nil)
			entry.CompressionAlgo = CompressionZstd
		} else {
			entry.Detail = raw
		}
	}

	sql, args, err := s.builder().
		Insert("document_transitions").
		SetMap(map[string]any{
			"id":                entry.ID,
			"tenant_id":         entry.TenantID,
			"document_id":       entry.DocumentID,
			"from_status":       entry.FromStatus,
			"to_status":         entry.ToStatus,
			"detail":            entry.Detail,
			"detail_compressed": entry.DetailCompressed,
			"compression_algo":  string(entry.CompressionAlgo),
			"created_at":        entry.CreatedAt,
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert document_transition: %w", err)
	}
	return nil
}

// History returns the trail of one document, oldest first, decompressing
// details transparently.
func (s *TransitionTrail) History(ctx context.Context, tenantID string, documentID id.ID) ([]TransitionEntry, error) {
	sql, args, err := s.builder().
		Select("id", "tenant_id", "document_id", "from_status", "to_status",
			"detail", "detail_compressed", "compression_algo", "created_at").
		From("document_transitions").
		Where(squirrel.Eq{"tenant_id": tenantID, "document_id": documentID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var entries []TransitionEntry
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("select document_transitions: %w", err)
	}

	for i := range entries {
		if entries[i].CompressionAlgo != CompressionZstd {
			continue
		}
		raw, err := s.decoder.DecodeAll(entries[i].DetailCompressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress transition detail: %w", err)
		}
		entries[i].Detail = raw
		entries[i].DetailCompressed = nil
		entries[i].CompressionAlgo = CompressionNone
	}
	return entries, nil
}
