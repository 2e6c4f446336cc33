// Package accounts resolves bearer tokens and e-mail addresses to
// identities backed by a gorm user table.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingFields      = errors.New("email, username and password are required")
)

// Open connects to the account database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported accounts driver %q", driver)
	}
}

type Directory struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewDirectory(db *gorm.DB, secret string, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Directory{db: db, secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (d *Directory) Migrate() error {
	return d.db.AutoMigrate(&User{})
}

// Register creates an account. Passwords are stored as bcrypt hashes.
func (d *Directory) Register(ctx context.Context, email, username, password string) (Identity, error) {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)
	if email == "" || username == "" || password == "" {
		return Identity{}, ErrMissingFields
	}

	var count int64
	if err := d.db.WithContext(ctx).Model(&User{}).
		Where("email = ? OR username = ?", email, username).
		Count(&count).Error; err != nil {
		return Identity{}, err
	}
	if count > 0 {
		return Identity{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, err
	}
	u := User{Email: email, Username: username, PasswordHash: string(hash)}
	if err := d.db.WithContext(ctx).Create(&u).Error; err != nil {
		return Identity{}, err
	}
	return u.Identity(), nil
}

// Login checks credentials and returns a signed token.
func (d *Directory) Login(ctx context.Context, email, password string) (string, error) {
	u, err := d.userByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return d.IssueToken(u.Identity())
}

func (d *Directory) IssueToken(id Identity) (string, error) {
	now := d.now()
	claims := jwt.MapClaims{
		"sub":      id.ID,
		"email":    id.Email,
		"username": id.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(d.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}

// Authenticate validates token and returns the identity it names. The
// account must still exist.
func (d *Directory) Authenticate(ctx context.Context, token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return d.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(d.now))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrUnauthenticated
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrUnauthenticated
	}
	id, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	var u User
	err = d.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, err
	}
	return u.Identity(), nil
}

// Resolve looks an account up by e-mail address.
func (d *Directory) Resolve(ctx context.Context, email string) (Identity, error) {
	u, err := d.userByEmail(ctx, email)
	if err != nil {
		return Identity{}, err
	}
	return u.Identity(), nil
}

func (d *Directory) userByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.db.WithContext(ctx).First(&u, "email = ?", normalizeEmail(email)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
