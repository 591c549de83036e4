package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/fieldcapture-auth/internal/crypto"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FirestoreKV implements KV
var _ KV = (*FirestoreKV)(nil)

// FirestoreKV stores one execution context's keys as Firestore documents.
// Values are encrypted before they leave the process.
//
// Unlike the local backends, Firestore can tell this process about writes
// made by other contexts: run Watch to receive them.
type FirestoreKV struct {
	notifier
	client     *firestore.Client
	collection string
	namespace  string
	encryptor  crypto.Encryptor
	watching   atomic.Bool
}

// kvDoc represents a stored key in Firestore
type kvDoc struct {
	Namespace string    `firestore:"namespace"`
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreKV creates a new Firestore-backed store
func NewFirestoreKV(ctx context.Context, projectID, database, collection, namespace string, encryptor crypto.Encryptor) (*FirestoreKV, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreKV{
		client:     client,
		collection: collection,
		namespace:  namespace,
		encryptor:  encryptor,
	}, nil
}

func (s *FirestoreKV) docID(key string) string {
	return s.namespace + "__" + key
}

func (s *FirestoreKV) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	refs := make([]*firestore.DocumentRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, s.client.Collection(s.collection).Doc(s.docID(k)))
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys from Firestore: %w", err)
	}

	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc kvDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", snap.Ref.ID, err)
		}
		value, err := s.encryptor.Decrypt(doc.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", doc.Key, err)
		}
		out[doc.Key] = value
	}
	return out, nil
}

// Set writes all values in one Firestore transaction.
func (s *FirestoreKV) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	docs := make(map[string]kvDoc, len(values))
	now := time.Now().UTC()
	for k, v := range values {
		sealed, err := s.encryptor.Encrypt(v)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", k, err)
		}
		docs[k] = kvDoc{Namespace: s.namespace, Key: k, Value: sealed, UpdatedAt: now}
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for k, doc := range docs {
			if err := tx.Set(s.client.Collection(s.collection).Doc(s.docID(k)), doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store keys in Firestore: %w", err)
	}

	if !s.watching.Load() {
		s.notify(setChanges(values)...)
	}
	return nil
}

func (s *FirestoreKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, k := range keys {
			if err := tx.Delete(s.client.Collection(s.collection).Doc(s.docID(k))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete keys from Firestore: %w", err)
	}

	if !s.watching.Load() {
		s.notify(removeChanges(keys)...)
	}
	return nil
}

// Watch streams changes to this namespace, including those written by other
// execution contexts, until ctx is cancelled. While Watch runs, local writes
// are reported through the stream instead of directly.
func (s *FirestoreKV) Watch(ctx context.Context) error {
	if !s.watching.CompareAndSwap(false, true) {
		return fmt.Errorf("already watching")
	}
	defer s.watching.Store(false)

	it := s.client.Collection(s.collection).Where("namespace", "==", s.namespace).Snapshots(ctx)
	defer it.Stop()

	first := true
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("watching Firestore namespace: %w", err)
		}

		// The first snapshot lists every existing document as added.
		if first {
			first = false
			continue
		}

		changes := make([]Change, 0, len(snap.Changes))
		for _, ch := range snap.Changes {
			var doc kvDoc
			if err := ch.Doc.DataTo(&doc); err != nil {
				log.LogWarnWithFields("storage", "Skipping unreadable Firestore change", map[string]any{
					"doc":   ch.Doc.Ref.ID,
					"error": err.Error(),
				})
				continue
			}
			changes = append(changes, Change{Key: doc.Key, Removed: ch.Kind == firestore.DocumentRemoved})
		}
		s.notify(changes...)
	}
}

// Close closes the Firestore client
func (s *FirestoreKV) Close() error {
	return s.client.Close()
}
