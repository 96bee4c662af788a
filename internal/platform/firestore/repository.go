package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
)

const countAlias = "total"

// Document is a decoded snapshot with its Firestore metadata.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Encoder serialises the typed entity prior to persistence.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder hydrates the typed entity from a snapshot.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// BulkOp is one write in a BulkWrite call: Set when Value is non-nil, otherwise Update of an
// existing document.
type BulkOp[T any] struct {
	ID      string
	Value   *T
	Updates []firestore.Update
}

// BaseRepository provides typed helpers over one collection.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	encode     Encoder[T]
	decode     Decoder[T]
}

// NewBaseRepository constructs a BaseRepository bound to a collection. Nil codecs fall back to
// Firestore's native struct mapping.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	if encode == nil {
		encode = func(_ context.Context, value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = StructDecoder[T]()
	}
	return &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		encode:     encode,
		decode:     decode,
	}
}

// Get fetches one document by ID.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.decodeDocument(ctx, snapshot)
}

// Set replaces the document stored under id.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	payload, err := r.encode(ctx, value)
	if err != nil {
		return fmt.Errorf("firestore: encode document %s: %w", id, err)
	}
	if _, err := doc.Set(ctx, payload); err != nil {
		return WrapError(r.op("set"), err)
	}
	return nil
}

// Query runs a collection query and decodes every result.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	query, err := r.buildQuery(ctx, build)
	if err != nil {
		return nil, err
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if isIteratorDone(err) {
			break
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		decoded, err := r.decodeDocument(ctx, snapshot)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snapshot.Ref.ID, err)
		}
		docs = append(docs, decoded)
	}
	return docs, nil
}

// Count runs an aggregation count over the query.
func (r *BaseRepository[T]) Count(ctx context.Context, build QueryBuilder) (int, error) {
	query, err := r.buildQuery(ctx, build)
	if err != nil {
		return 0, err
	}
	result, err := query.NewAggregationQuery().WithCount(countAlias).Get(ctx)
	if err != nil {
		return 0, WrapError(r.op("count"), err)
	}
	value, ok := result[countAlias].(*firestorepb.Value)
	if !ok {
		return 0, WrapError(r.op("count"), errors.New("firestore: count aggregation missing"))
	}
	return int(value.GetIntegerValue()), nil
}

// BulkWrite applies ops through a BulkWriter and waits for all of them. Every op is attempted; the
// returned error joins the failures.
func (r *BaseRepository[T]) BulkWrite(ctx context.Context, ops []BulkOp[T]) error {
	if len(ops) == 0 {
		return nil
	}
	client, err := r.client(ctx)
	if err != nil {
		return err
	}
	coll := client.Collection(r.collection)
	writer := client.BulkWriter(ctx)

	jobs := make([]*firestore.BulkWriterJob, 0, len(ops))
	var errs []error
	for _, op := range ops {
		if strings.TrimSpace(op.ID) == "" {
			errs = append(errs, WrapError(r.op("bulk"), errors.New("firestore: document id is required")))
			continue
		}
		ref := coll.Doc(op.ID)
		var job *firestore.BulkWriterJob
		if op.Value != nil {
			payload, encErr := r.encode(ctx, *op.Value)
			if encErr != nil {
				errs = append(errs, fmt.Errorf("firestore: encode document %s: %w", op.ID, encErr))
				continue
			}
			job, err = writer.Set(ref, payload)
		} else {
			job, err = writer.Update(ref, op.Updates, firestore.Exists)
		}
		if err != nil {
			errs = append(errs, WrapError(r.op("bulk"), err))
			continue
		}
		jobs = append(jobs, job)
	}
	writer.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, WrapError(r.op("bulk"), err))
		}
	}
	return errors.Join(errs...)
}

// Collection exposes the collection reference, e.g. for transactional queries.
func (r *BaseRepository[T]) Collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

// DocumentRef exposes the document reference for transactions.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Decode hydrates a snapshot obtained outside the repository, e.g. inside a transaction.
func (r *BaseRepository[T]) Decode(ctx context.Context, snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	return r.decodeDocument(ctx, snapshot)
}

// Encode serialises a value for writes performed outside the repository.
func (r *BaseRepository[T]) Encode(ctx context.Context, value T) (any, error) {
	return r.encode(ctx, value)
}

func (r *BaseRepository[T]) buildQuery(ctx context.Context, build QueryBuilder) (firestore.Query, error) {
	coll, err := r.Collection(ctx)
	if err != nil {
		return firestore.Query{}, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	return query, nil
}

func (r *BaseRepository[T]) decodeDocument(ctx context.Context, snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := r.decode(ctx, snapshot)
	if err != nil {
		return Document[T]{}, err
	}
	return Document[T]{
		ID:         snapshot.Ref.ID,
		Data:       entity,
		UpdateTime: snapshot.UpdateTime,
	}, nil
}

func (r *BaseRepository[T]) client(ctx context.Context) (*firestore.Client, error) {
	if r == nil || r.provider == nil {
		return nil, WrapError(r.op("collection"), errors.New("firestore: provider is nil"))
	}
	if r.collection == "" {
		return nil, WrapError(r.op("collection"), errors.New("firestore: collection name is required"))
	}
	return r.provider.Client(ctx)
}

func (r *BaseRepository[T]) op(action string) string {
	name := "firestore"
	if r != nil && r.collection != "" {
		name = r.collection
	}
	return name + "." + strings.ToLower(action)
}

// StructDecoder populates the target struct using Firestore's native decoding.
func StructDecoder[T any]() Decoder[T] {
	return func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		if err := snap.DataTo(&target); err != nil {
			return target, err
		}
		return target, nil
	}
}
