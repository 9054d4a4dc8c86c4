package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	httpserver "github.com/talesofai/nietest/internal/adapter/httpserver"
	"github.com/talesofai/nietest/internal/adapter/repo/postgres"
	"github.com/talesofai/nietest/internal/domain"
)

// seedUser is one entry of the seed file.
type seedUser struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

type seedDoc struct {
	Users []seedUser `yaml:"users"`
}

// seedUsersFromYAML upserts every user of the YAML file, hashing passwords
// with Argon2id. Existing rows are refreshed, so the file can be re-applied
// on every start. Accepts either a bare list of users or a document with a
// top-level users: key.
func seedUsersFromYAML(ctx domain.Context, repo *postgres.UserRepo, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("op=seed.read: %w", err)
	}

	var users []seedUser
	if err := yaml.Unmarshal(b, &users); err != nil {
		var doc seedDoc
		if derr := yaml.Unmarshal(b, &doc); derr != nil {
			return 0, fmt.Errorf("op=seed.parse: %w", err)
		}
		users = doc.Users
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("op=seed.parse: no users to seed in %s", path)
	}

	seeded := 0
	for i, su := range users {
		username := strings.TrimSpace(su.Username)
		if username == "" || su.Password == "" {
			return seeded, fmt.Errorf("op=seed.validate entry=%d: username and password are required", i)
		}
		hash, err := httpserver.HashPassword(su.Password, httpserver.DefaultArgon2Params())
		if err != nil {
			return seeded, fmt.Errorf("op=seed.hash user=%s: %w", username, err)
		}
		if _, err := repo.Upsert(ctx, domain.User{
			Username:     username,
			PasswordHash: hash,
			Roles:        su.Roles,
			IsActive:     true,
		}); err != nil {
			return seeded, fmt.Errorf("op=seed.upsert user=%s: %w", username, err)
		}
		seeded++
	}
	return seeded, nil
}
