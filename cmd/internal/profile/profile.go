// Package profile reads user profiles owned by another service.
//
// tandem never writes profiles; it only needs a nickname to label conversations.
package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"tandem/cmd/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// Profile is the public part of a user profile.
type Profile struct {
	UID      string `yaml:"uid"`
	Nickname string `yaml:"nickname"`
	Age      int    `yaml:"age,omitempty"`
	Gender   string `yaml:"gender,omitempty"`
	Bio      string `yaml:"bio,omitempty"`
}

// Lookup resolves profiles by user id. A missing profile is (Profile{}, false, nil).
type Lookup interface {
	Get(ctx context.Context, uid string) (Profile, bool, error)
}

// Nop knows no profiles.
type Nop struct{}

// Get always reports a miss.
func (Nop) Get(context.Context, string) (Profile, bool, error) { return Profile{}, false, nil }

// Static is a fixed in-memory profile set, typically loaded from a YAML fixture.
type Static map[string]Profile

// Get returns the profile for uid.
func (s Static) Get(_ context.Context, uid string) (Profile, bool, error) {
	p, ok := s[uid]
	return p, ok, nil
}

type fixture struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadYAML reads a fixture of the form
//
//	profiles:
//	  - uid: alice
//	    nickname: Alice
func LoadYAML(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a profile fixture. Unknown fields are rejected.
func ParseYAML(data []byte) (Static, error) {
	var f fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	out := make(Static, len(f.Profiles))
	for i, p := range f.Profiles {
		if p.UID == "" {
			return nil, fmt.Errorf("profile %d: missing uid", i)
		}
		if _, dup := out[p.UID]; dup {
			return nil, fmt.Errorf("profile %q: duplicate uid", p.UID)
		}
		out[p.UID] = p
	}
	return out, nil
}

// Postgres reads the profiles table.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgres constructs a Postgres-backed Lookup over schema.profiles.
func NewPostgres(pool *pgxpool.Pool, schema string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("profile: nil pool")
	}
	schema, err := storage.CheckSchema(schema)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, schema: schema}, nil
}

// Get returns the profile for uid.
func (p *Postgres) Get(ctx context.Context, uid string) (Profile, bool, error) {
	var (
		out    = Profile{UID: uid}
		age    *int
		gender *string
		bio    *string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT nickname, age, gender, bio FROM `+storage.Ident(p.schema, "profiles")+` WHERE uid = $1`,
		uid,
	).Scan(&out.Nickname, &age, &gender, &bio)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, storage.Classify("profile.Get", err)
	}
	if age != nil {
		out.Age = *age
	}
	if gender != nil {
		out.Gender = *gender
	}
	if bio != nil {
		out.Bio = *bio
	}
	return out, true, nil
}
