// Package directory is the technician registry. It lives in Redis rather
// than process memory so role resolution and assignment keyboards stay
// correct when multiple instances run side by side.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"appliance-dispatch/internal/models"
)

// ErrUnknownTech is returned when a technician id is not registered.
var ErrUnknownTech = errors.New("unknown technician")

// Directory stores technicians in a single Redis hash keyed by id.
type Directory struct {
	client *redis.Client
	key    string
}

// New builds a directory on an existing Redis connection.
func New(client *redis.Client) *Directory {
	return &Directory{client: client, key: "techs:registry"}
}

// Register inserts or overwrites a technician record.
func (d *Directory) Register(ctx context.Context, tech models.Technician) error {
	if tech.ID == "" {
		return fmt.Errorf("register technician: empty id")
	}
	raw, err := json.Marshal(tech)
	if err != nil {
		return fmt.Errorf("encode technician: %w", err)
	}
	return d.client.HSet(ctx, d.key, tech.ID, raw).Err()
}

// Remove deletes a technician record. Idempotent.
func (d *Directory) Remove(ctx context.Context, id string) error {
	return d.client.HDel(ctx, d.key, id).Err()
}

// Tech resolves a technician by id.
func (d *Directory) Tech(ctx context.Context, id string) (models.Technician, error) {
	raw, err := d.client.HGet(ctx, d.key, id).Bytes()
	if err == redis.Nil {
		return models.Technician{}, ErrUnknownTech
	}
	if err != nil {
		return models.Technician{}, err
	}
	var tech models.Technician
	if err := json.Unmarshal(raw, &tech); err != nil {
		return models.Technician{}, fmt.Errorf("decode technician %s: %w", id, err)
	}
	return tech, nil
}

// Available lists all registered technicians, ordered by name for stable
// keyboards.
func (d *Directory) Available(ctx context.Context) ([]models.Technician, error) {
	raws, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, err
	}
	techs := make([]models.Technician, 0, len(raws))
	for id, raw := range raws {
		var tech models.Technician
		if err := json.Unmarshal([]byte(raw), &tech); err != nil {
			return nil, fmt.Errorf("decode technician %s: %w", id, err)
		}
		techs = append(techs, tech)
	}
	sort.Slice(techs, func(i, j int) bool { return techs[i].Name < techs[j].Name })
	return techs, nil
}
