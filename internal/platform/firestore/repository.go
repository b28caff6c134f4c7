package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

// Document represents a strongly typed Firestore document with metadata timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// AggregateResult carries the outcome of a count/sum aggregation query.
type AggregateResult struct {
	Count int64
	Sums  map[string]float64
}

// BaseRepository provides typed helpers wrapping Firestore collection access. Entities are
// encoded with Firestore struct tags.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

// NewBaseRepository constructs a BaseRepository bound to a collection.
func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
	}
}

// Create writes value under id only if no document exists yet. Collisions surface as
// conflict-classified errors.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) (Document[T], error) {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	result, err := doc.Create(ctx, value)
	if err != nil {
		return Document[T]{}, WrapError(r.op("create"), err)
	}
	return Document[T]{ID: id, Data: value, CreateTime: result.UpdateTime, UpdateTime: result.UpdateTime}, nil
}

// Set upserts the given value under the provided document ID.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) (time.Time, error) {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	result, err := doc.Set(ctx, value, opts...)
	if err != nil {
		return time.Time{}, WrapError(r.op("set"), err)
	}
	return result.UpdateTime, nil
}

// Get fetches the document by ID and decodes it into the strongly typed entity.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return Decode[T](snapshot)
}

// Query executes a collection query and returns the decoded documents.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	query, err := r.query(ctx, build)
	if err != nil {
		return nil, err
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		decoded, err := Decode[T](snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, decoded)
	}
	return docs, nil
}

// Aggregate runs a server-side count, plus a sum for every numeric field in sumFields.
func (r *BaseRepository[T]) Aggregate(ctx context.Context, build QueryBuilder, sumFields ...string) (AggregateResult, error) {
	query, err := r.query(ctx, build)
	if err != nil {
		return AggregateResult{}, err
	}

	agg := query.NewAggregationQuery().WithCount("count")
	for _, field := range sumFields {
		agg = agg.WithSum(field, "sum_"+field)
	}
	raw, err := agg.Get(ctx)
	if err != nil {
		return AggregateResult{}, WrapError(r.op("aggregate"), err)
	}

	result := AggregateResult{Sums: make(map[string]float64, len(sumFields))}
	count, _ := numericValue(raw["count"])
	result.Count = int64(count)
	for _, field := range sumFields {
		result.Sums[field], _ = numericValue(raw["sum_"+field])
	}
	return result, nil
}

// DocumentRef exposes the underlying document reference for transactions.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.CollectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// CollectionRef exposes the collection for queries that run inside transactions.
func (r *BaseRepository[T]) CollectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, WrapError("firestore.collection", errors.New("firestore: provider is nil"))
	}
	if r.collection == "" {
		return nil, WrapError(r.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

// Provider returns the provider used for transactions spanning this repository.
func (r *BaseRepository[T]) Provider() *Provider { return r.provider }

func (r *BaseRepository[T]) query(ctx context.Context, build QueryBuilder) (firestore.Query, error) {
	coll, err := r.CollectionRef(ctx)
	if err != nil {
		return firestore.Query{}, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	return query, nil
}

func (r *BaseRepository[T]) op(action string) string {
	return fmt.Sprintf("%s.%s", r.collection, action)
}

// Decode hydrates a typed document from a snapshot, e.g. one read inside a transaction.
func Decode[T any](snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var entity T
	if err := snapshot.DataTo(&entity); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snapshot.Ref.ID, err)
	}
	return Document[T]{
		ID:         snapshot.Ref.ID,
		Data:       entity,
		CreateTime: snapshot.CreateTime,
		UpdateTime: snapshot.UpdateTime,
	}, nil
}

func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case *firestorepb.Value:
		switch typed := v.GetValueType().(type) {
		case *firestorepb.Value_IntegerValue:
			return float64(typed.IntegerValue), true
		case *firestorepb.Value_DoubleValue:
			return typed.DoubleValue, true
		}
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
