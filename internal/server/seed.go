package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"supportchat/internal/models"
)

// ParseSeedUsers reads SEED_USERS entries of the form id:role:token[:display name],
// separated by commas. Example: "1:agent:agent-secret:Support,42:customer:c42".
func ParseSeedUsers(list string) ([]models.User, error) {
	var users []models.User
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 3 {
			return nil, fmt.Errorf("seed user %q: want id:role:token[:name]", entry)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("seed user %q: invalid id", entry)
		}
		role, err := models.ParseRole(parts[1])
		if err != nil {
			return nil, fmt.Errorf("seed user %q: %w", entry, err)
		}
		if parts[2] == "" {
			return nil, fmt.Errorf("seed user %q: empty token", entry)
		}
		u := models.User{ID: id, Role: role, Token: parts[2]}
		if len(parts) == 4 {
			u.DisplayName = parts[3]
		}
		users = append(users, u)
	}
	return users, nil
}

// Seed upserts users.
func (r *Repository) Seed(ctx context.Context, users []models.User) error {
	for _, u := range users {
		if err := r.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}
