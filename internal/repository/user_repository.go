package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/tenantshift/tenantshift-api/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type UserRepository interface {
	CreateUser(email, password string, role models.Role) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUserByID(userID string) (models.User, error)
	ListUsers() ([]models.User, error)
	UpdateUserRole(userID string, role models.Role) (models.User, error)
	DeleteUser(userID string) error
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

func (u *userRepository) CreateUser(email, password string, role models.Role) (models.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if role == "" {
		role = models.RoleViewer
	}
	if !role.Valid() {
		return models.User{}, errors.New("invalid role")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	}

	const query = `
		INSERT INTO tenant.users (email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	err = u.db.QueryRow(query, user.Email, user.PasswordHash, user.Role, user.IsActive).Scan(&user.ID)
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (u *userRepository) AuthenticateUser(email, password string) (models.User, error) {
	var user models.User

	const query = `
		SELECT id, email, password_hash, role, is_active
		FROM tenant.users
		WHERE email = $1 AND deleted_at IS NULL`
	err := u.db.QueryRow(query, strings.TrimSpace(strings.ToLower(email))).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, errors.New("invalid credentials")
		}
		return models.User{}, err
	}

	if !user.IsActive {
		return models.User{}, errors.New("user is inactive")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, errors.New("invalid credentials")
	}
	return user, nil
}

func (u *userRepository) GetUserByID(userID string) (models.User, error) {
	var user models.User

	const query = `
		SELECT id, email, password_hash, role, is_active
		FROM tenant.users
		WHERE id = $1 AND deleted_at IS NULL`
	err := u.db.QueryRow(query, userID).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsActive,
	)
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (u *userRepository) ListUsers() ([]models.User, error) {
	const query = `
		SELECT id, email, role, is_active
		FROM tenant.users
		WHERE deleted_at IS NULL
		ORDER BY email`
	rows, err := u.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Email, &user.Role, &user.IsActive); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (u *userRepository) UpdateUserRole(userID string, role models.Role) (models.User, error) {
	if !role.Valid() {
		return models.User{}, errors.New("invalid role")
	}

	const query = `
		UPDATE tenant.users
		SET role = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id, email, password_hash, role, is_active`
	var user models.User
	err := u.db.QueryRow(query, userID, role).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsActive,
	)
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (u *userRepository) DeleteUser(userID string) error {
	const query = `
		UPDATE tenant.users
		SET is_active = FALSE, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`
	result, err := u.db.Exec(query, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
