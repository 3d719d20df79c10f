// Package store is the local sqlite cache of finished transcripts and live
// session state. Values are stored as their JSON encoding so they round-trip
// field for field; transcript segments are also kept as rows for search.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/diarize"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

// ErrNotFound is returned when no cached value exists for a key.
var ErrNotFound = errors.New("store: not found")

const schema = `
create table if not exists transcripts (
	artifact_hash text primary key not null,
	word_count    integer not null,
	duration_ms   integer not null,
	created_at    integer not null,
	body          text not null
);

create table if not exists segments (
	artifact_hash text not null,
	idx           integer not null,
	start_ms      integer not null,
	end_ms        integer not null,
	text          text not null,
	primary key (artifact_hash, idx)
);

create table if not exists sessions (
	id         text primary key not null,
	updated_at integer not null,
	profiles   text not null,
	blocks     text not null
);`

// Store wraps one sqlite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	// pragmas go in the DSN so every pooled connection gets them
	dsn := "file:" + path + "?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Entry summarizes one cached transcript.
type Entry struct {
	ArtifactHash string    `json:"artifactHash"`
	WordCount    int       `json:"wordCount"`
	Duration     float64   `json:"duration"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SegmentMatch is a transcript segment found by FindSegments.
type SegmentMatch struct {
	ArtifactHash string `json:"artifactHash"`
	pipeline.TimedText
}

// SaveTranscript stores t under the artifact hash, replacing any previous
// value. It implements pipeline.Sink.
func (s *Store) SaveTranscript(ctx context.Context, artifactHash string, t *pipeline.GeneratedTranscript) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save transcript: begin trx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		insert into transcripts (artifact_hash, word_count, duration_ms, created_at, body)
		values ($1, $2, $3, $4, $5)
		on conflict(artifact_hash) do update set
			word_count = excluded.word_count,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at,
			body = excluded.body`,
		artifactHash, t.WordCount, toMs(t.Duration), s.now().Unix(), string(body))
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "delete from segments where artifact_hash = $1", artifactHash); err != nil {
		return fmt.Errorf("save transcript: clear segments: %w", err)
	}
	if len(t.Segments) > 0 {
		if err := insertSegments(ctx, tx, artifactHash, t.Segments); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save transcript: commit: %w", err)
	}
	return nil
}

func insertSegments(ctx context.Context, tx *sql.Tx, artifactHash string, segs []pipeline.TimedText) error {
	var q strings.Builder
	q.WriteString("insert into segments (artifact_hash, idx, start_ms, end_ms, text) values ")
	args := make([]any, 0, 5*len(segs))
	for i, seg := range segs {
		if i > 0 {
			q.WriteString(", ")
		}
		b := i * 5
		fmt.Fprintf(&q, "($%d, $%d, $%d, $%d, $%d)", b+1, b+2, b+3, b+4, b+5)
		args = append(args, artifactHash, i, toMs(seg.Start), toMs(seg.End), seg.Text)
	}
	if _, err := tx.ExecContext(ctx, q.String(), args...); err != nil {
		return fmt.Errorf("insert segments: %w", err)
	}
	return nil
}

// Transcript loads the transcript cached for artifactHash.
func (s *Store) Transcript(ctx context.Context, artifactHash string) (*pipeline.GeneratedTranscript, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		"select body from transcripts where artifact_hash = $1", artifactHash).
		Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}

	var t pipeline.GeneratedTranscript
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &t, nil
}

// Transcripts lists cached transcripts, newest first.
func (s *Store) Transcripts(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"select artifact_hash, word_count, duration_ms, created_at from transcripts order by created_at desc, artifact_hash")
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durMs, created int64
		if err := rows.Scan(&e.ArtifactHash, &e.WordCount, &durMs, &created); err != nil {
			return nil, fmt.Errorf("list transcripts: %w", err)
		}
		e.Duration = float64(durMs) / 1000
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindSegments returns segments whose text contains query, case-insensitive.
func (s *Store) FindSegments(ctx context.Context, query string) ([]SegmentMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		select artifact_hash, start_ms, end_ms, text from segments
		where text like '%' || $1 || '%' escape '\'
		order by artifact_hash, idx`, escapeLike(query))
	if err != nil {
		return nil, fmt.Errorf("find segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentMatch
	for rows.Next() {
		var m SegmentMatch
		var start, end int64
		if err := rows.Scan(&m.ArtifactHash, &start, &end, &m.Text); err != nil {
			return nil, fmt.Errorf("find segments: %w", err)
		}
		m.Start = float64(start) / 1000
		m.End = float64(end) / 1000
		out = append(out, m)
	}
	return out, rows.Err()
}

// Session is the persisted state of one live session.
type Session struct {
	ID        string            `json:"id"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Profiles  diarize.Snapshot  `json:"profiles"`
	Blocks    []assembler.Block `json:"blocks"`
}

// SaveSession stores the voice profiles and closed blocks of a live session.
func (s *Store) SaveSession(ctx context.Context, id string, profiles diarize.Snapshot, blocks []assembler.Block) error {
	p, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if blocks == nil {
		blocks = []assembler.Block{}
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into sessions (id, updated_at, profiles, blocks) values ($1, $2, $3, $4)
		on conflict(id) do update set
			updated_at = excluded.updated_at,
			profiles = excluded.profiles,
			blocks = excluded.blocks`,
		id, s.now().Unix(), string(p), string(b))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Session loads a live session saved by SaveSession.
func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	var updated int64
	var profiles, blocks string
	err := s.db.QueryRowContext(ctx,
		"select updated_at, profiles, blocks from sessions where id = $1", id).
		Scan(&updated, &profiles, &blocks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	out := &Session{ID: id, UpdatedAt: time.Unix(updated, 0)}
	if err := json.Unmarshal([]byte(profiles), &out.Profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if err := json.Unmarshal([]byte(blocks), &out.Blocks); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return out, nil
}

func toMs(seconds float64) int64 {
	return int64(seconds*1000 + 0.5)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
