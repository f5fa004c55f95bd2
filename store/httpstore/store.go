package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 2
)

// Config is the configuration of the HTTP partition client.
type Config struct {
	// URL is the base URL of the partition backend.
	URL string

	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxRetries bounds transient-failure retries per operation.
	MaxRetries uint64
}

// New creates new HTTP partition store speaking the backend protocol:
// GET <base>/latest returns the full document and its revision, PUT <base>
// overwrites the full document. 404 on GET means the document does not exist
// yet and is reported as an empty record.
func New(config Config) *Store {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultRetries
	}
	return &Store{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Store is an HTTP client of a single partition backend.
type Store struct {
	config Config
	client *http.Client
}

type document struct {
	Record   json.RawMessage `json:"record"`
	Revision types.Revision  `json:"revision"`
}

type saveRequest struct {
	Record json.RawMessage `json:"record"`
}

type saveResponse struct {
	Revision types.Revision `json:"revision"`
}

// Load fetches the latest document.
func (s *Store) Load(ctx context.Context) (store.Document, error) {
	var doc store.Document
	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL+"/latest", nil)
		if err != nil {
			return backoff.Permanent(errors.WithStack(err))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return errors.Wrapf(store.ErrUnavailable, "get %s: %s", s.config.URL, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			doc = store.Document{}
			return nil
		case resp.StatusCode >= http.StatusInternalServerError:
			return errors.Wrapf(store.ErrUnavailable, "get %s: status %d", s.config.URL, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(errors.Errorf("get %s: status %d", s.config.URL, resp.StatusCode))
		}

		var d document
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return errors.Wrapf(store.ErrUnavailable, "get %s: malformed document: %s", s.config.URL, err)
		}
		doc = store.Document{Record: d.Record, Revision: d.Revision}
		return nil
	})
	if err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// Save overwrites the full document and returns the revision assigned by the
// backend.
func (s *Store) Save(ctx context.Context, record []byte) (types.Revision, error) {
	body, err := json.Marshal(saveRequest{Record: record})
	if err != nil {
		return types.ZeroRevision, errors.WithStack(err)
	}

	var revision types.Revision
	err = s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.config.URL,
			bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.WithStack(err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return errors.Wrapf(store.ErrUnavailable, "put %s: %s", s.config.URL, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return errors.Wrapf(store.ErrUnavailable, "put %s: status %d", s.config.URL, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(errors.Errorf("put %s: status %d", s.config.URL, resp.StatusCode))
		}

		var r saveResponse
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return errors.Wrapf(store.ErrUnavailable, "put %s: malformed response: %s", s.config.URL, err)
		}
		revision = r.Revision
		return nil
	})
	if err != nil {
		return types.ZeroRevision, err
	}
	return revision, nil
}

func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.config.MaxRetries), ctx))
}
