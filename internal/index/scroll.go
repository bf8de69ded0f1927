package index

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Scroll walks an arbitrarily large result set in bounded batches, keyed on
// (epoch, mid) so a batch boundary never skips or repeats documents. The
// position survives serialization, which lets long jobs resume after a
// restart.
type Scroll struct {
	store *Store
	query Clause
	batch int
	pos   scrollPos
	done  bool
}

type scrollPos struct {
	Epoch int64  `json:"epoch"`
	MID   string `json:"mid"`
	Live  bool   `json:"live"`
}

// Scan starts a scroll over the query with the given batch size.
func (s *Store) Scan(query Clause, batch int) *Scroll {
	if batch <= 0 {
		batch = 500
	}
	return &Scroll{store: s, query: query, batch: batch}
}

// ResumeScan continues a scroll from a cursor produced by Cursor.
func (s *Store) ResumeScan(query Clause, batch int, cursor string) (*Scroll, error) {
	sc := s.Scan(query, batch)
	if cursor == "" {
		return sc, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode scroll cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &sc.pos); err != nil {
		return nil, fmt.Errorf("decode scroll cursor: %w", err)
	}
	return sc, nil
}

// Next returns the next batch in epoch-ascending order, or an empty slice
// once the result set is exhausted.
func (sc *Scroll) Next(ctx context.Context) ([]*Document, error) {
	if sc.done {
		return nil, nil
	}
	query := sc.query
	if sc.pos.Live {
		after := Bool{
			Should: []Clause{
				epochAfter{epoch: sc.pos.Epoch},
				Bool{Must: []Clause{
					Term{Field: "epoch", Value: sc.pos.Epoch},
					afterMID{mid: sc.pos.MID},
				}},
			},
		}
		if sc.query == nil {
			query = after
		} else {
			query = Bool{Must: []Clause{sc.query, after}}
		}
	}
	docs, err := sc.store.SearchDocuments(ctx, query, sc.batch, SortAscending)
	if err != nil {
		return nil, err
	}
	if len(docs) < sc.batch {
		sc.done = true
	}
	if len(docs) > 0 {
		last := docs[len(docs)-1]
		sc.pos = scrollPos{Epoch: last.Epoch, MID: last.MID, Live: true}
	}
	return docs, nil
}

// Cursor serializes the current position for later ResumeScan.
func (sc *Scroll) Cursor() string {
	raw, err := json.Marshal(sc.pos)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(raw)
}

// epochAfter is the strict lower bound of the keyset. Range cannot express
// it: a zero bound there means unset, which would leave the resume point
// open for epochs at or below zero.
type epochAfter struct {
	epoch int64
}

func (e epochAfter) where(b *sqlBuilder) string {
	return "epoch > " + b.bind(e.epoch)
}

// afterMID is the keyset tie-breaker within one epoch.
type afterMID struct {
	mid string
}

func (a afterMID) where(b *sqlBuilder) string {
	return "mid > " + b.bind(a.mid)
}
