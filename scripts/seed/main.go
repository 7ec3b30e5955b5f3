// Command seed provisions a development database with an admin account and
// a small roster so the API is usable right after startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusmx/gradebook-api/pkg/config"
	"github.com/campusmx/gradebook-api/pkg/database"
)

func main() {
	var (
		adminEmail    string
		adminPassword string
		withRoster    bool
	)

	flag.StringVar(&adminEmail, "admin-email", "admin@example.edu", "Admin account email")
	flag.StringVar(&adminPassword, "admin-password", "changeme123", "Admin account password")
	flag.BoolVar(&withRoster, "roster", true, "Also seed a sample roster")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := seedAdmin(ctx, db, adminEmail, adminPassword); err != nil {
		log.Fatalf("failed to seed admin: %v", err)
	}
	fmt.Printf("admin account ready: %s\n", adminEmail)

	if withRoster {
		if err := seedRoster(ctx, db); err != nil {
			log.Fatalf("failed to seed roster: %v", err)
		}
		fmt.Println("sample roster seeded")
	}
}

func seedAdmin(ctx context.Context, db *sqlx.DB, email, password string) error {
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE LOWER(email) = LOWER($1)`, email); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, password_hash, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'ADMIN', TRUE, $5, $5)`,
		uuid.NewString(), email, "Administrator", string(hash), now)
	return err
}

func seedRoster(ctx context.Context, db *sqlx.DB) error {
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM students`); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()

	teacherID := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO teachers (id, full_name, email, enrollment_code, created_at, updated_at)
		 VALUES ($1, 'Laura Mendez', 'laura.mendez@example.edu', 'T-0001', $2, $2)`,
		teacherID, now); err != nil {
		return err
	}

	subjectID := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO subjects (id, code, name, description, created_at, updated_at)
		 VALUES ($1, 'MATH-1', 'Mathematics I', 'First year mathematics', $2, $2)`,
		subjectID, now); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO assignments (id, teacher_id, subject_id, group_label, created_at)
		 VALUES ($1, $2, $3, '1-A', $4)`,
		uuid.NewString(), teacherID, subjectID, now); err != nil {
		return err
	}

	students := []struct {
		name string
		code string
	}{
		{"Ana Torres", "S-0001"},
		{"Bruno Diaz", "S-0002"},
		{"Carla Ruiz", "S-0003"},
	}
	for i, s := range students {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO students (id, full_name, email, enrollment_code, group_label, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, '1-A', $5, $5)`,
			uuid.NewString(), s.name, fmt.Sprintf("student%d@example.edu", i+1), s.code, now); err != nil {
			return err
		}
	}
	return nil
}
