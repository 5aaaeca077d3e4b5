package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-kivik/kivik/v4"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentTooLarge = errors.New("document too large")
)

// DocumentStore is a whole-document read/replace store. Put replaces the
// stored document; there is no server-side merge.
type DocumentStore interface {
	Get(ctx context.Context, docID string) (json.RawMessage, error)
	Put(ctx context.Context, docID string, body any) error
	Delete(ctx context.Context, docID string) error
}

type couchDocumentStore struct {
	client   *kivik.Client
	dbName   string
	maxBytes int64
}

func NewCouchDocumentStore(client *kivik.Client, dbName string, maxBytes int64) DocumentStore {
	return &couchDocumentStore{
		client:   client,
		dbName:   dbName,
		maxBytes: maxBytes,
	}
}

func (r *couchDocumentStore) Get(ctx context.Context, docID string) (json.RawMessage, error) {
	db := r.client.DB(r.dbName)

	var raw json.RawMessage
	if err := db.Get(ctx, docID).ScanDoc(&raw); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", docID, err)
	}

	return raw, nil
}

// Put overwrites docID with body. CouchDB needs the current revision to
// replace a document, so a concurrent writer bumping it between our read and
// write costs one retry.
func (r *couchDocumentStore) Put(ctx context.Context, docID string, body any) error {
	doc, err := encodeDocument(body, r.maxBytes)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", docID, err)
	}

	db := r.client.DB(r.dbName)

	for attempt := 0; ; attempt++ {
		rev, err := db.GetRev(ctx, docID)
		switch {
		case err == nil:
			doc["_rev"] = rev
		case kivik.HTTPStatus(err) == http.StatusNotFound:
			delete(doc, "_rev")
		default:
			return fmt.Errorf("failed to read revision of %s: %w", docID, err)
		}

		_, err = db.Put(ctx, docID, doc)
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict || attempt > 0 {
			return fmt.Errorf("failed to put document %s: %w", docID, err)
		}
	}
}

func (r *couchDocumentStore) Delete(ctx context.Context, docID string) error {
	db := r.client.DB(r.dbName)

	rev, err := db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to read revision of %s: %w", docID, err)
	}

	if _, err := db.Delete(ctx, docID, rev); err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}

	return nil
}

// encodeDocument renders body as a generic JSON object and enforces the size
// ceiling on the encoded form.
func encodeDocument(body any, maxBytes int64) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if err := checkSize(len(data), maxBytes); err != nil {
		return nil, err
	}

	// UseNumber keeps millisecond timestamps exact.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	delete(doc, "_id")
	return doc, nil
}

func checkSize(n int, maxBytes int64) error {
	if maxBytes > 0 && int64(n) > maxBytes {
		return fmt.Errorf("%w: %s exceeds limit of %s",
			ErrDocumentTooLarge, humanize.Bytes(uint64(n)), humanize.Bytes(uint64(maxBytes)))
	}
	return nil
}
