package notify

import (
	"context"
	"errors"
	"fmt"
)

// ErrResourceNotFound is returned when a resource id does not exist.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceLookup finds resource metadata by id.
type ResourceLookup interface {
	LookupResource(ctx context.Context, resourceID string) (Resource, bool, error)
}

// RecipientStore lists the subscribers of a resource in subscription order.
type RecipientStore interface {
	SubscriberRows(ctx context.Context, resourceID string) ([]SubscriberRow, error)
}

// Directory is a store that answers both queries.
type Directory interface {
	ResourceLookup
	RecipientStore
}

// Resolver turns subscriber rows into eligible recipients.
type Resolver struct {
	resources  ResourceLookup
	recipients RecipientStore
}

// NewResolver builds a Resolver over the given stores.
func NewResolver(resources ResourceLookup, recipients RecipientStore) *Resolver {
	return &Resolver{resources: resources, recipients: recipients}
}

// Resource returns the resource metadata or ErrResourceNotFound.
func (r *Resolver) Resource(ctx context.Context, resourceID string) (Resource, error) {
	resource, ok, err := r.resources.LookupResource(ctx, resourceID)
	if err != nil {
		return Resource{}, fmt.Errorf("lookup resource %q: %w", resourceID, err)
	}
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	if resource.ID == "" {
		resource.ID = resourceID
	}
	return resource, nil
}

// Resolve returns the active recipients of a resource. A missing resource is
// reported as ErrResourceNotFound, never as an empty list.
func (r *Resolver) Resolve(ctx context.Context, resourceID string) ([]Recipient, error) {
	if _, err := r.Resource(ctx, resourceID); err != nil {
		return nil, err
	}
	return r.recipientsOf(ctx, resourceID)
}

func (r *Resolver) recipientsOf(ctx context.Context, resourceID string) ([]Recipient, error) {
	rows, err := r.recipients.SubscriberRows(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("load subscribers of %q: %w", resourceID, err)
	}

	recipients := make([]Recipient, 0, len(rows))
	for _, row := range rows {
		if !row.AccountActive {
			continue
		}
		recipients = append(recipients, Recipient{
			UserID:           row.UserID,
			Email:            row.Email,
			MessagingAddress: row.MessagingAddress,
			EmailEnabled:     flagOrDefault(row.EmailEnabled, true),
			MessagingEnabled: flagOrDefault(row.MessagingEnabled, false),
		})
	}
	return recipients, nil
}

func flagOrDefault(flag *bool, fallback bool) bool {
	if flag == nil {
		return fallback
	}
	return *flag
}
