package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/tenantshift/tenantshift-api/internal/models"
	"github.com/tenantshift/tenantshift-api/internal/utils"
)

var ErrTenantNotFound = errors.New("tenant not found")

type TenantRepository interface {
	Create(tenant models.Tenant) (models.Tenant, error)
	GetByID(id string) (models.Tenant, error)
	List() ([]models.Tenant, error)
	Update(tenant models.Tenant) (models.Tenant, error)
	Delete(id string) error
}

type tenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(db *sql.DB) TenantRepository {
	return &tenantRepository{db: db}
}

func (r *tenantRepository) Create(tenant models.Tenant) (models.Tenant, error) {
	tenant.Normalize()
	secret, err := utils.EncryptSecret(tenant.Secret)
	if err != nil {
		return tenant, fmt.Errorf("failed to encrypt tenant secret: %w", err)
	}

	const query = `
		INSERT INTO tenant.tenants (name, description, authority, client_id, secret_enc, scope, endpoint)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at;
	`
	err = r.db.QueryRow(query,
		tenant.Name,
		tenant.Description,
		tenant.Authority,
		tenant.ClientID,
		secret,
		pq.Array(tenant.Scope),
		tenant.Endpoint,
	).Scan(&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return tenant, err
	}

	tenant.Secret = ""
	return tenant, nil
}

// GetByID returns the tenant with its client secret decrypted, ready for a
// token acquisition.
func (r *tenantRepository) GetByID(id string) (models.Tenant, error) {
	const query = `
		SELECT id, name, description, authority, client_id, secret_enc, scope, endpoint, created_at, updated_at
		FROM tenant.tenants
		WHERE id = $1;
	`
	var tenant models.Tenant
	var secret []byte
	err := r.db.QueryRow(query, id).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Description,
		&tenant.Authority,
		&tenant.ClientID,
		&secret,
		pq.Array(&tenant.Scope),
		&tenant.Endpoint,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return tenant, ErrTenantNotFound
		}
		return tenant, err
	}

	tenant.Secret, err = utils.DecryptSecret(secret)
	if err != nil {
		return tenant, fmt.Errorf("failed to decrypt tenant secret: %w", err)
	}
	return tenant, nil
}

// List returns tenants without secrets.
func (r *tenantRepository) List() ([]models.Tenant, error) {
	const query = `
		SELECT id, name, description, authority, client_id, scope, endpoint, created_at, updated_at
		FROM tenant.tenants
		ORDER BY name ASC;
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var tenant models.Tenant
		if err := rows.Scan(
			&tenant.ID,
			&tenant.Name,
			&tenant.Description,
			&tenant.Authority,
			&tenant.ClientID,
			pq.Array(&tenant.Scope),
			&tenant.Endpoint,
			&tenant.CreatedAt,
			&tenant.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// Update replaces the tenant's settings. An empty secret keeps the stored one.
func (r *tenantRepository) Update(tenant models.Tenant) (models.Tenant, error) {
	tenant.Normalize()

	var secret []byte
	if tenant.Secret != "" {
		enc, err := utils.EncryptSecret(tenant.Secret)
		if err != nil {
			return tenant, fmt.Errorf("failed to encrypt tenant secret: %w", err)
		}
		secret = enc
	}

	const query = `
		UPDATE tenant.tenants
		SET name = $2,
		    description = $3,
		    authority = $4,
		    client_id = $5,
		    secret_enc = COALESCE($6, secret_enc),
		    scope = $7,
		    endpoint = $8,
		    updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at;
	`
	err := r.db.QueryRow(query,
		tenant.ID,
		tenant.Name,
		tenant.Description,
		tenant.Authority,
		tenant.ClientID,
		secret,
		pq.Array(tenant.Scope),
		tenant.Endpoint,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return tenant, ErrTenantNotFound
		}
		return tenant, err
	}

	tenant.Secret = ""
	return tenant, nil
}

func (r *tenantRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM tenant.tenants WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTenantNotFound
	}
	return nil
}
