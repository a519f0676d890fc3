package store

import (
	"context"
	"fmt"
	"os"

	"github.com/nholik/watch-notifier/internal/notify"
	"gopkg.in/yaml.v3"
)

// DirectorySubscriber is one subscriber entry in a directory file.
type DirectorySubscriber struct {
	UserID           string `yaml:"user_id"`
	Email            string `yaml:"email,omitempty"`
	MessagingID      string `yaml:"messaging_id,omitempty"`
	EmailEnabled     *bool  `yaml:"email_enabled,omitempty"`
	MessagingEnabled *bool  `yaml:"messaging_enabled,omitempty"`
	Active           *bool  `yaml:"active,omitempty"`
}

// DirectoryResource is one resource entry in a directory file.
type DirectoryResource struct {
	notify.Resource `yaml:",inline"`
	Subscribers     []DirectorySubscriber `yaml:"subscribers"`
}

// DirectoryFile is the parsed YAML structure:
// resources: [{id, name, locator, subscribers: [{user_id, email, ...}]}]
type DirectoryFile struct {
	Resources []DirectoryResource `yaml:"resources"`
}

// DirectoryStore serves resources and subscribers from a static YAML file.
type DirectoryStore struct {
	resources map[string]DirectoryResource
}

// LoadDirectoryFile parses and validates a YAML directory file.
func LoadDirectoryFile(path string) (*DirectoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}

	var df DirectoryFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}

	if err := validateDirectory(df.Resources); err != nil {
		return nil, err
	}

	store := &DirectoryStore{resources: make(map[string]DirectoryResource, len(df.Resources))}
	for _, resource := range df.Resources {
		store.resources[resource.ID] = resource
	}
	return store, nil
}

func validateDirectory(resources []DirectoryResource) error {
	if len(resources) == 0 {
		return fmt.Errorf("directory file contains no resources")
	}

	seen := make(map[string]bool)
	for i, r := range resources {
		if r.ID == "" {
			return fmt.Errorf("resource %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("resource %q: duplicate id", r.ID)
		}
		seen[r.ID] = true

		users := make(map[string]bool)
		for j, sub := range r.Subscribers {
			if sub.UserID == "" {
				return fmt.Errorf("resource %q: subscriber %d: user_id is required", r.ID, j)
			}
			if users[sub.UserID] {
				return fmt.Errorf("resource %q: subscriber %q: duplicate user_id", r.ID, sub.UserID)
			}
			users[sub.UserID] = true
		}
	}
	return nil
}

// LookupResource implements notify.ResourceLookup.
func (d *DirectoryStore) LookupResource(ctx context.Context, resourceID string) (notify.Resource, bool, error) {
	if err := ctx.Err(); err != nil {
		return notify.Resource{}, false, err
	}
	resource, ok := d.resources[resourceID]
	if !ok {
		return notify.Resource{}, false, nil
	}
	return resource.Resource, true, nil
}

// SubscriberRows implements notify.RecipientStore in file order.
func (d *DirectoryStore) SubscriberRows(ctx context.Context, resourceID string) ([]notify.SubscriberRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resource, ok := d.resources[resourceID]
	if !ok {
		return nil, nil
	}

	rows := make([]notify.SubscriberRow, 0, len(resource.Subscribers))
	for _, sub := range resource.Subscribers {
		active := true
		if sub.Active != nil {
			active = *sub.Active
		}
		rows = append(rows, notify.SubscriberRow{
			UserID:           sub.UserID,
			Email:            sub.Email,
			EmailEnabled:     sub.EmailEnabled,
			MessagingAddress: sub.MessagingID,
			MessagingEnabled: sub.MessagingEnabled,
			AccountActive:    active,
		})
	}
	return rows, nil
}

// Len returns the number of resources in the directory.
func (d *DirectoryStore) Len() int {
	return len(d.resources)
}
