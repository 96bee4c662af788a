package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/catalogsync/api/internal/platform/firestore"
)

const (
	defaultCollection = "idempotency_keys"
	defaultSweepLimit = 200
)

// FirestoreStore persists entries in a Firestore collection, one document per scoped key.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore builds a store. An empty collection selects "idempotency_keys".
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}
}

type entryDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Completed   bool                `firestore:"completed"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header"`
	Body        []byte              `firestore:"body"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Completed:   d.Completed,
		Status:      d.Status,
		Header:      http.Header(d.Header),
		Body:        d.Body,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}
	var (
		state State
		entry Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing entryDocument
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			current := existing.entry()
			if !current.expired(now) {
				if current.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				state, entry = current.state(), current
				return nil
			}
		}
		fresh := entryDocument{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		state, entry = StateNew, fresh.entry()
		return tx.Set(ref, fresh)
	})
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return 0, Entry{}, ErrFingerprintMismatch
		}
		return 0, Entry{}, err
	}
	return state, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, entry Entry, now time.Time, ttl time.Duration) error {
	ref, err := s.doc(ctx, entry.Key)
	if err != nil {
		return err
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = ref.Set(ctx, entryDocument{
		Key:         entry.Key,
		Fingerprint: entry.Fingerprint,
		Completed:   true,
		Status:      entry.Status,
		Header:      replayableHeader(entry.Header),
		Body:        entry.Body,
		CreatedAt:   created,
		ExpiresAt:   now.Add(ttl),
	})
	return pfirestore.WrapError("idempotency.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

// Sweep deletes up to limit expired entries in one batch.
func (s *FirestoreStore) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	snaps, err := client.Collection(s.collection).Where("expiresAt", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.sweep", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	bulk := client.BulkWriter(ctx)
	for _, snap := range snaps {
		if _, err := bulk.Delete(snap.Ref); err != nil {
			bulk.End()
			return 0, pfirestore.WrapError("idempotency.sweep", err)
		}
	}
	bulk.End()
	return len(snaps), nil
}
