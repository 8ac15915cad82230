// Package seed loads profiles and tutor assignments from a YAML file into
// a store, for local setups and demos.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	yaml "go.yaml.in/yaml/v3"

	"tutordash/internal/dashboard"
	"tutordash/internal/storage"
)

type File struct {
	Profiles    []Profile    `yaml:"profiles"`
	Assignments []Assignment `yaml:"assignments"`
}

type Profile struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`
}

type Assignment struct {
	Tutor   string `yaml:"tutor"`
	Student string `yaml:"student"`
	Status  string `yaml:"status"`
	Room    string `yaml:"room"`
}

// Result counts the rows written.
type Result struct {
	Profiles    int
	Assignments int
}

func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("seed: %w", err)
	}
	return f, f.validate()
}

func (f File) validate() error {
	var merr *multierror.Error
	for i, p := range f.Profiles {
		if storage.NormalizeEmail(p.Email) == "" {
			merr = multierror.Append(merr, fmt.Errorf("profiles[%d]: email is required", i))
		}
		switch strings.ToLower(strings.TrimSpace(p.Role)) {
		case storage.RoleTutor, storage.RoleStudent:
		default:
			merr = multierror.Append(merr, fmt.Errorf("profiles[%d]: role must be tutor or student, got %q", i, p.Role))
		}
	}
	for i, a := range f.Assignments {
		if storage.NormalizeEmail(a.Tutor) == "" || storage.NormalizeEmail(a.Student) == "" {
			merr = multierror.Append(merr, fmt.Errorf("assignments[%d]: tutor and student are required", i))
		}
		switch strings.ToLower(strings.TrimSpace(a.Status)) {
		case "", string(dashboard.StatusActive), string(dashboard.StatusInactive):
		default:
			merr = multierror.Append(merr, fmt.Errorf("assignments[%d]: unknown status %q", i, a.Status))
		}
	}
	return merr.ErrorOrNil()
}

// Apply upserts every row. Emails are normalized; an empty status means
// active.
func Apply(ctx context.Context, st interface {
	storage.ProfileStore
	storage.AssignmentStore
}, f File) (Result, error) {
	var res Result
	for _, p := range f.Profiles {
		err := st.PutProfile(ctx, storage.Profile{
			Email: storage.NormalizeEmail(p.Email),
			Name:  strings.TrimSpace(p.Name),
			Role:  strings.ToLower(strings.TrimSpace(p.Role)),
		})
		if err != nil {
			return res, fmt.Errorf("profile %s: %w", p.Email, err)
		}
		res.Profiles++
	}
	now := time.Now().UTC()
	for _, a := range f.Assignments {
		status := strings.ToLower(strings.TrimSpace(a.Status))
		if status == "" {
			status = string(dashboard.StatusActive)
		}
		err := st.PutAssignment(ctx, storage.Assignment{
			TutorEmail:   storage.NormalizeEmail(a.Tutor),
			StudentEmail: storage.NormalizeEmail(a.Student),
			Status:       status,
			Room:         strings.TrimSpace(a.Room),
			UpdatedAt:    now,
		})
		if err != nil {
			return res, fmt.Errorf("assignment %s/%s: %w", a.Tutor, a.Student, err)
		}
		res.Assignments++
	}
	return res, nil
}
