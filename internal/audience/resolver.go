package audience

import (
	"context"

	"whatsapp-platform/internal/models"
	"whatsapp-platform/internal/repository"
)

const defaultPageSize = 200

// Resolver turns an audience reference into a lazy, restartable sequence of
// unique recipients. Resolution is read-only and operates on snapshot reads:
// keyset pagination tolerates the audience growing concurrently.
type Resolver struct {
	store    repository.Store
	pageSize int
}

func NewResolver(store repository.Store) *Resolver {
	return &Resolver{store: store, pageSize: defaultPageSize}
}

// Resolve validates the reference and returns an iterator. It fails with
// repository.ErrNotFound when the audience does not exist or belongs to a
// different account than the requesting campaign.
func (r *Resolver) Resolve(ctx context.Context, accountID, audienceID uint) (*Resolution, error) {
	aud, err := r.store.GetAudience(ctx, audienceID)
	if err != nil {
		return nil, err
	}
	if aud.AccountID != accountID {
		return nil, repository.ErrNotFound
	}
	return &Resolution{
		store:      r.store,
		audienceID: audienceID,
		pageSize:   r.pageSize,
		seen:       make(map[string]struct{}),
	}, nil
}

// Resolution iterates an audience's recipients in insertion order,
// deduplicated by phone number.
type Resolution struct {
	store      repository.Store
	audienceID uint
	pageSize   int

	afterID uint
	buf     []models.Recipient
	seen    map[string]struct{}
	done    bool
}

// Next returns the next unique recipient. ok is false once the sequence is
// exhausted.
func (res *Resolution) Next(ctx context.Context) (models.Recipient, bool, error) {
	for {
		if len(res.buf) == 0 {
			if res.done {
				return models.Recipient{}, false, nil
			}
			page, err := res.store.RecipientsPage(ctx, res.audienceID, res.afterID, res.pageSize)
			if err != nil {
				return models.Recipient{}, false, err
			}
			if len(page) == 0 {
				res.done = true
				return models.Recipient{}, false, nil
			}
			res.afterID = page[len(page)-1].ID
			if len(page) < res.pageSize {
				res.done = true
			}
			res.buf = page
		}

		next := res.buf[0]
		res.buf = res.buf[1:]
		if _, dup := res.seen[next.Phone]; dup {
			continue
		}
		res.seen[next.Phone] = struct{}{}
		return next, true, nil
	}
}

// Restart rewinds the sequence to the beginning; a fresh pass yields the same
// deduplicated order provided the audience has not been mutated.
func (res *Resolution) Restart() {
	res.afterID = 0
	res.buf = nil
	res.seen = make(map[string]struct{})
	res.done = false
}
