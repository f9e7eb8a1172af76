package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redis/rueidis"

	"github.com/huntsman-telescope/drp/internal/db"
)

// searchPageSize bounds one FT.SEARCH round-trip when no limit is given.
const searchPageSize = 1000

// InsertDocument stores a JSON document with JSON.SET NX.
func (s *Store) InsertDocument(ctx context.Context, collection, id string, data []byte) error {
	cmd := s.b().Arbitrary("JSON.SET").Keys(s.docKey(collection, id)).Args("$", string(data), "NX").Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return db.ErrKeyExists
		}
		return &db.Error{Op: db.OpJSONSet, Err: err}
	}
	return nil
}

// PutDocument stores a JSON document, replacing any previous value.
func (s *Store) PutDocument(ctx context.Context, collection, id string, data []byte) error {
	cmd := s.b().Arbitrary("JSON.SET").Keys(s.docKey(collection, id)).Args("$", string(data)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpJSONSet, Err: err}
	}
	return nil
}

// GetDocument retrieves a JSON document by id.
func (s *Store) GetDocument(ctx context.Context, collection, id string) ([]byte, error) {
	cmd := s.b().Arbitrary("JSON.GET").Keys(s.docKey(collection, id)).Args("$").Build()
	raw, err := s.do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, db.ErrKeyNotFound
		}
		return nil, &db.Error{Op: db.OpJSONGet, Err: err}
	}
	if raw == "" {
		return nil, db.ErrKeyNotFound
	}
	// JSON.GET with a JSONPath returns an array of matches.
	var matches []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &matches); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if len(matches) == 0 {
		return nil, db.ErrKeyNotFound
	}
	return matches[0], nil
}

// DeleteDocument removes a document by id.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	cmd := s.b().Del().Key(s.docKey(collection, id)).Build()
	n, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	if n == 0 {
		return db.ErrKeyNotFound
	}
	return nil
}

// FindDocuments runs FT.SEARCH over the collection index. Without a limit
// every match is fetched page by page. Results are ordered by id.
func (s *Store) FindDocuments(ctx context.Context, q *db.Query) ([]db.Record, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	query, ok := buildQuery(q.Filter)
	if !ok {
		return nil, nil
	}

	var out []db.Record
	offset := q.Offset
	for {
		pageSize := searchPageSize
		if q.Limit > 0 {
			pageSize = min(pageSize, q.Limit-len(out))
		}

		result, err := s.searchPage(ctx, q.Collection, query, offset, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, result.records...)
		offset += len(result.records)

		done := len(result.records) == 0 || offset >= result.total
		if q.Limit > 0 && len(out) >= q.Limit {
			done = true
		}
		if done {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountDocuments returns the match count via FT.SEARCH with LIMIT 0 0.
func (s *Store) CountDocuments(ctx context.Context, q *db.Query) (int, error) {
	if q.Collection == "" {
		return 0, fmt.Errorf("collection is required")
	}
	query, ok := buildQuery(q.Filter)
	if !ok {
		return 0, nil
	}

	cmd := s.b().Arbitrary("FT.SEARCH").
		Args(s.indexName(q.Collection), query, "LIMIT", "0", "0", "DIALECT", "2").Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return 0, &db.Error{Op: db.OpSearch, Err: err}
	}
	if len(raw) == 0 {
		return 0, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return int(total), nil
}

type page struct {
	total   int
	records []db.Record
}

func (s *Store) searchPage(ctx context.Context, collection, query string, offset, limit int) (*page, error) {
	cmd := s.b().Arbitrary("FT.SEARCH").Args(
		s.indexName(collection), query,
		"RETURN", "1", "$",
		"LIMIT", strconv.Itoa(offset), strconv.Itoa(limit),
		"DIALECT", "2",
	).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, &db.Error{Op: db.OpSearch, Err: err}
	}
	return parseSearchPage(raw, s.docPrefix(collection))
}

// parseSearchPage decodes [total, key1, ["$", json1], key2, ...].
func parseSearchPage(raw []rueidis.RedisMessage, keyPrefix string) (*page, error) {
	if len(raw) == 0 {
		return &page{}, nil
	}

	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}

	p := &page{total: int(total)}
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}

		fields, err := raw[i+1].ToArray()
		if err != nil {
			continue
		}

		data, ok := parseFieldPairs(fields)["$"]
		if !ok {
			continue
		}

		p.records = append(p.records, db.Record{
			ID:   strings.TrimPrefix(key, keyPrefix),
			Data: []byte(data),
		})
	}
	return p, nil
}

func parseFieldPairs(fields []rueidis.RedisMessage) map[string]string {
	m := make(map[string]string, len(fields)/2)
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil {
			continue
		}
		value, err := fields[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return m
}
