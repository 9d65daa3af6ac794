package products

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const productColumns = `id, vendor_id, name, description, category, base_price, current_price,
	unit, quantity, images, city, state, longitude, latitude, is_active, created_at, updated_at`

var sortColumns = map[string]string{
	SortCreatedAt:    "created_at",
	SortUpdatedAt:    "updated_at",
	SortCurrentPrice: "current_price",
	SortName:         "name",
}

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pr *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		pr.ID, pr.VendorID, pr.Name, pr.Description, string(pr.Category), pr.BasePrice, pr.CurrentPrice,
		string(pr.Unit), pr.Quantity, pq.Array(pr.Images), pr.Location.City, pr.Location.State,
		pr.Location.Coordinates[0], pr.Location.Coordinates[1], pr.IsActive, pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	pr, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func (p *PostgresStore) Update(ctx context.Context, pr *Product) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET
			name = $1, description = $2, category = $3, base_price = $4, current_price = $5,
			unit = $6, quantity = $7, images = $8, city = $9, state = $10,
			longitude = $11, latitude = $12, is_active = $13, updated_at = $14
		WHERE id = $15 AND vendor_id = $16`,
		pr.Name, pr.Description, string(pr.Category), pr.BasePrice, pr.CurrentPrice,
		string(pr.Unit), pr.Quantity, pq.Array(pr.Images), pr.Location.City, pr.Location.State,
		pr.Location.Coordinates[0], pr.Location.Coordinates[1], pr.IsActive, pr.UpdatedAt,
		pr.ID, pr.VendorID,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return p.ownedRowAffected(ctx, result, pr.ID)
}

func (p *PostgresStore) Deactivate(ctx context.Context, id, vendorID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET is_active = FALSE, updated_at = $1
		WHERE id = $2 AND vendor_id = $3`, at, id, vendorID)
	if err != nil {
		return fmt.Errorf("deactivate product: %w", err)
	}
	return p.ownedRowAffected(ctx, result, id)
}

// ownedRowAffected tells a missing listing apart from someone else's.
func (p *PostgresStore) ownedRowAffected(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrNotOwner
	}
	return ErrProductNotFound
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Product, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + productColumns + ` FROM products` + where

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if f.SortAsc {
		dir = "ASC"
	}
	query += " ORDER BY " + col + " " + dir + ", id " + dir

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
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

func buildWhere(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !f.IncludeInactive {
		conds = append(conds, "is_active = TRUE")
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.VendorID != "" {
		add("vendor_id = $%d", f.VendorID)
	}
	if f.City != "" {
		add("city ILIKE $%d", likePattern(f.City))
	}
	if f.State != "" {
		add("state ILIKE $%d", likePattern(f.State))
	}
	if f.Search != "" {
		args = append(args, likePattern(f.Search))
		n := len(args)
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", n, n))
	}
	if f.MinPrice > 0 {
		add("current_price >= $%d", f.MinPrice)
	}
	if f.MaxPrice > 0 {
		add("current_price <= $%d", f.MaxPrice)
	}
	if !f.UpdatedSince.IsZero() {
		add("updated_at >= $%d", f.UpdatedSince)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(sc scanner) (*Product, error) {
	pr := &Product{}
	var category, unit string
	err := sc.Scan(
		&pr.ID, &pr.VendorID, &pr.Name, &pr.Description, &category, &pr.BasePrice, &pr.CurrentPrice,
		&unit, &pr.Quantity, pq.Array(&pr.Images), &pr.Location.City, &pr.Location.State,
		&pr.Location.Coordinates[0], &pr.Location.Coordinates[1], &pr.IsActive, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pr.Category = Category(category)
	pr.Unit = Unit(unit)
	if pr.Images == nil {
		pr.Images = []string{}
	}
	return pr, nil
}

var _ Store = (*PostgresStore)(nil)
