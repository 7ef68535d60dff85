// Package lexical maintains the per-table inverted index and scores
// free-text queries with summed IDF contributions.
package lexical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"columnist/internal/domain"
	"columnist/internal/storage"
)

// Posting is one token's stored posting list: the sorted set of record ids
// containing the token.
type Posting struct {
	Token string   `json:"token"`
	IDs   []uint64 `json:"ids"`
}

// Tokenize lowercases s, strips every codepoint outside letters and
// digits, splits on whitespace, and drops empties. The result is the
// distinct token set in first-seen order.
func Tokenize(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// stripped
		}
	}

	fields := strings.Fields(b.String())
	seen := make(map[string]struct{}, len(fields))
	var tokens []string
	for _, tok := range fields {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	return tokens
}

// TokenizeRecord tokenizes every searchable field of rec into one distinct
// token set.
func TokenizeRecord(t *domain.Table, rec domain.Record) []string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, field := range t.SearchableFields() {
		s, ok := rec[field].(string)
		if !ok || s == "" {
			continue
		}
		for _, tok := range Tokenize(s) {
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// Add inserts id into the posting list of every token, preserving sorted
// uniqueness.
func Add(tx storage.Tx, store string, id uint64, tokens []string) error {
	for _, tok := range tokens {
		p, err := load(tx, store, tok)
		if err != nil {
			return err
		}
		p.IDs = insertSorted(p.IDs, id)
		if err := save(tx, store, p); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes id from every token's posting list, dropping lists that
// become empty.
func Remove(tx storage.Tx, store string, id uint64, tokens []string) error {
	for _, tok := range tokens {
		p, err := load(tx, store, tok)
		if err != nil {
			return err
		}
		p.IDs = removeSorted(p.IDs, id)
		if len(p.IDs) == 0 {
			if err := tx.Delete(store, []byte(tok)); err != nil {
				return err
			}
			continue
		}
		if err := save(tx, store, p); err != nil {
			return err
		}
	}
	return nil
}

// Update diffs the old and new token sets and touches only the postings
// that actually changed.
func Update(tx storage.Tx, store string, id uint64, oldTokens, newTokens []string) error {
	oldSet := toSet(oldTokens)
	newSet := toSet(newTokens)

	var added, removed []string
	for tok := range newSet {
		if _, ok := oldSet[tok]; !ok {
			added = append(added, tok)
		}
	}
	for tok := range oldSet {
		if _, ok := newSet[tok]; !ok {
			removed = append(removed, tok)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	if err := Add(tx, store, id, added); err != nil {
		return err
	}
	return Remove(tx, store, id, removed)
}

// Hit is one scored id from a lexical query.
type Hit struct {
	ID    uint64
	Score float64
}

// Score runs the summed-IDF query: for each query token with posting list
// P and df = max(1, |P|), every id in P accumulates ln((N+1)/df). Results
// come back sorted by descending score, ties broken by ascending id.
func Score(tx storage.Tx, store string, query string, total int) ([]Hit, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	scores := make(map[uint64]float64)
	for _, tok := range tokens {
		p, err := load(tx, store, tok)
		if err != nil {
			return nil, err
		}
		if len(p.IDs) == 0 {
			continue
		}
		df := float64(len(p.IDs))
		idf := math.Log(float64(total+1) / df)
		for _, id := range p.IDs {
			scores[id] += idf
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, Hit{ID: id, Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

func load(tx storage.Tx, store, token string) (Posting, error) {
	raw, err := tx.Get(store, []byte(token))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Posting{Token: token}, nil
	}
	if err != nil {
		return Posting{}, err
	}
	var p Posting
	if err := json.Unmarshal(raw, &p); err != nil {
		return Posting{}, fmt.Errorf("%w: corrupt posting %q: %v", domain.ErrStorage, token, err)
	}
	return p, nil
}

func save(tx storage.Tx, store string, p Posting) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: marshal posting %q: %v", domain.ErrStorage, p.Token, err)
	}
	return tx.Put(store, []byte(p.Token), raw)
}

func insertSorted(ids []uint64, id uint64) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeSorted(ids []uint64, id uint64) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}
