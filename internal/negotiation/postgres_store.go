package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists negotiations and their messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, product_id, buyer_id, vendor_id, status,
	offer_price, offer_quantity, offer_proposed_by, final_price, final_quantity,
	version, created_at, updated_at`

const messageColumns = `id, sender_id, message, translated_message, offer_price, offer_quantity, created_at`

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO negotiations (`+negotiationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.ProductID, n.BuyerID, n.VendorID, string(n.Status),
		n.CurrentOffer.Price, n.CurrentOffer.Quantity, n.CurrentOffer.ProposedBy,
		nullFloat(n.FinalPrice), nullFloat(n.FinalQuantity),
		n.Version, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveNegotiationExists
		}
		return fmt.Errorf("insert negotiation: %w", err)
	}

	if err := insertMessages(ctx, tx, n.ID, 1, n.Messages); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id)
	n, err := scanNegotiation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNegotiationNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM negotiation_messages
		WHERE negotiation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		n.Messages = append(n.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	n.MessageCount = len(n.Messages)
	return n, nil
}

func (p *PostgresStore) FindActive(ctx context.Context, productID, buyerID string) (*Negotiation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE product_id = $1 AND buyer_id = $2 AND status = 'active'`, productID, buyerID)
	n, err := scanNegotiation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNegotiationNotFound
	}
	return n, err
}

func (p *PostgresStore) Update(ctx context.Context, n *Negotiation, appended []Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `
		UPDATE negotiations SET
			status = $1, offer_price = $2, offer_quantity = $3, offer_proposed_by = $4,
			final_price = $5, final_quantity = $6, version = $7, updated_at = $8
		WHERE id = $9 AND version = $10`,
		string(n.Status), n.CurrentOffer.Price, n.CurrentOffer.Quantity, n.CurrentOffer.ProposedBy,
		nullFloat(n.FinalPrice), nullFloat(n.FinalQuantity), n.Version, n.UpdatedAt,
		n.ID, n.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update negotiation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM negotiations WHERE id = $1)`, n.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrVersionConflict
		}
		return ErrNegotiationNotFound
	}

	firstSeq := n.MessageCount - len(appended) + 1
	if err := insertMessages(ctx, tx, n.ID, firstSeq, appended); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessages(ctx context.Context, tx *sql.Tx, negotiationID string, firstSeq int, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO negotiation_messages
			(id, negotiation_id, seq, sender_id, message, translated_message, offer_price, offer_quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range msgs {
		_, err := stmt.ExecContext(ctx,
			m.ID, negotiationID, firstSeq+i, m.SenderID, m.Message, nullStr(m.TranslatedMessage),
			nullFloat(m.OfferPrice), nullFloat(m.OfferQuantity), m.Timestamp,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Negotiation, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + negotiationColumns + `,
		(SELECT COUNT(*) FROM negotiation_messages m WHERE m.negotiation_id = negotiations.id)
		FROM negotiations` + where + ` ORDER BY updated_at DESC, id DESC`

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args)) //nolint:gosec // placeholder index, not user input
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args)) //nolint:gosec // placeholder index, not user input
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Negotiation
	for rows.Next() {
		n, err := scanNegotiationWithCount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM negotiations`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count negotiations: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountForProducts(ctx context.Context, productIDs []string, status string, since time.Time) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM negotiations
		WHERE product_id = ANY($1) AND ($2 = '' OR status = $2) AND updated_at >= $3`,
		pq.Array(productIDs), status, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count negotiations for products: %w", err)
	}
	return n, nil
}

func buildWhere(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("(buyer_id = $%d OR vendor_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(sc scanner) (*Negotiation, error) {
	return scanInto(sc)
}

func scanNegotiationWithCount(sc scanner) (*Negotiation, error) {
	var count int
	n, err := scanInto(sc, &count)
	if err != nil {
		return nil, err
	}
	n.MessageCount = count
	return n, nil
}

func scanInto(sc scanner, extra ...any) (*Negotiation, error) {
	n := &Negotiation{}
	var (
		status                    string
		finalPrice, finalQuantity sql.NullFloat64
	)
	dest := []any{
		&n.ID, &n.ProductID, &n.BuyerID, &n.VendorID, &status,
		&n.CurrentOffer.Price, &n.CurrentOffer.Quantity, &n.CurrentOffer.ProposedBy,
		&finalPrice, &finalQuantity, &n.Version, &n.CreatedAt, &n.UpdatedAt,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	n.Status = Status(status)
	n.FinalPrice = floatPtr(finalPrice)
	n.FinalQuantity = floatPtr(finalQuantity)
	return n, nil
}

func scanMessage(sc scanner) (Message, error) {
	var (
		m                    Message
		translated           sql.NullString
		offerPrice, offerQty sql.NullFloat64
	)
	if err := sc.Scan(&m.ID, &m.SenderID, &m.Message, &translated, &offerPrice, &offerQty, &m.Timestamp); err != nil {
		return Message{}, err
	}
	m.TranslatedMessage = translated.String
	m.OfferPrice = floatPtr(offerPrice)
	m.OfferQuantity = floatPtr(offerQty)
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

var _ Store = (*PostgresStore)(nil)
