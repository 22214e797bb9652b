// Package store implements the relational store described in §4.B of the
// spec: typed tables for nodes, links, tags, aliases, OLP segments, and file
// records, with upsert/delete/query primitives that are atomic with respect
// to concurrent readers.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/roamdex/roamdex/internal/orgdoc"
	"github.com/roamdex/roamdex/internal/rerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a single logical connection over the sqlite-backed schema.
// Writes are serialized through writeMu. Reads take no lock, but the pool is
// limited to one open connection, so reads and writes queue for it and do
// not run in parallel.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	strict  bool
}

// Open connects to (and if necessary creates) the sqlite database at path,
// running pending migrations. When strict is true, foreign-key checks are
// enforced by the driver for every statement on this connection.
func Open(ctx context.Context, path string, strict bool) (*Store, error) {
	dsn := path
	if strict {
		dsn += "?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "store.Open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one *DB

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, rerr.New(rerr.Storage, "store.Open", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, rerr.New(rerr.Storage, "store.Open", err)
	}

	return &Store{db: db, strict: strict}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// UpsertFile inserts or updates the files row for path with the given
// content hash.
func (s *Store) UpsertFile(ctx context.Context, path string, hash uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files(path, hash) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, int64(hash))
	if err != nil {
		return rerr.New(rerr.Storage, "UpsertFile", err)
	}
	return nil
}

// FileHash returns the stored hash for path, and whether a row exists.
func (s *Store) FileHash(ctx context.Context, path string) (uint64, bool, error) {
	var h int64
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM files WHERE path = ?`, path).Scan(&h)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, rerr.New(rerr.Storage, "FileHash", err)
	}
	return uint64(h), true, nil
}

// UpsertNode replaces the row for node.ID and atomically rewrites its olp,
// tags, aliases, and links, per the §4.B contract. A failed upsert leaves
// the store unchanged for that node.
func (s *Store) UpsertNode(ctx context.Context, node orgdoc.Node) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rerr.New(rerr.Storage, "UpsertNode", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Parent is not a nodes column: per the spec's design notes the
	// parent/child relation is stored as an ordinary directed link, added
	// by the caller (parser/differ) as part of node.Links before this call.
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO nodes(id, file, level, title) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET file = excluded.file, level = excluded.level, title = excluded.title`,
		node.ID, node.File, node.Level, node.Title); err != nil {
		return rerr.New(rerr.Storage, "UpsertNode.nodes", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM olp WHERE node = ?`, node.ID); err != nil {
		return rerr.New(rerr.Storage, "UpsertNode.olp.clear", err)
	}
	for i, seg := range node.OLP {
		if _, err = tx.ExecContext(ctx, `INSERT INTO olp(node, position, segment) VALUES (?, ?, ?)`,
			node.ID, i, seg); err != nil {
			return rerr.New(rerr.Storage, "UpsertNode.olp.insert", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM tags WHERE node = ?`, node.ID); err != nil {
		return rerr.New(rerr.Storage, "UpsertNode.tags.clear", err)
	}
	for _, t := range node.Tags {
		if _, err = tx.ExecContext(ctx, `INSERT INTO tags(node, tag) VALUES (?, ?)`, node.ID, t); err != nil {
			return rerr.New(rerr.Storage, "UpsertNode.tags.insert", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM aliases WHERE node = ?`, node.ID); err != nil {
		return rerr.New(rerr.Storage, "UpsertNode.aliases.clear", err)
	}
	for _, a := range node.Aliases {
		if _, err = tx.ExecContext(ctx, `INSERT INTO aliases(node, alias) VALUES (?, ?)`, node.ID, a); err != nil {
			return rerr.New(rerr.Storage, "UpsertNode.aliases.insert", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM links WHERE source = ?`, node.ID); err != nil {
		return rerr.New(rerr.Storage, "UpsertNode.links.clear", err)
	}
	for i, l := range node.Links {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO links(pos, source, dest, type, properties) VALUES (?, ?, ?, 'id', ?)
			ON CONFLICT(source, dest) DO NOTHING`,
			i, node.ID, l.To, l.Description); err != nil {
			return rerr.New(rerr.Storage, "UpsertNode.links.insert", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return rerr.New(rerr.Storage, "UpsertNode.commit", err)
	}
	return nil
}

// InsertLink inserts a single (source, dest) link if absent, returning
// whether a new row was created. Used by the differ for incremental
// new_link detection.
func (s *Store) InsertLink(ctx context.Context, source, dest, description string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var pos int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(pos)+1, 0) FROM links WHERE source = ?`, source).Scan(&pos); err != nil {
		return false, rerr.New(rerr.Storage, "InsertLink.pos", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO links(pos, source, dest, type, properties) VALUES (?, ?, ?, 'id', ?)
		ON CONFLICT(source, dest) DO NOTHING`,
		pos, source, dest, description)
	if err != nil {
		return false, rerr.New(rerr.Storage, "InsertLink", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, rerr.New(rerr.Storage, "InsertLink.rowsAffected", err)
	}
	return n > 0, nil
}

// LinkExists reports whether (source, dest) already has a row.
func (s *Store) LinkExists(ctx context.Context, source, dest string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM links WHERE source = ? AND dest = ? LIMIT 1`, source, dest).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, rerr.New(rerr.Storage, "LinkExists", err)
	}
	return true, nil
}

// NodeExists reports whether id has a row in nodes.
func (s *Store) NodeExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ? LIMIT 1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, rerr.New(rerr.Storage, "NodeExists", err)
	}
	return true, nil
}

// Link mirrors the links table row, restricted to type='id' relations.
type Link struct {
	Source, Dest string
}

// LinksTouching returns links where source=id OR dest=id, filtered to
// type='id'.
func (s *Store) LinksTouching(ctx context.Context, id string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, dest FROM links WHERE (source = ? OR dest = ?) AND type = 'id'`, id, id)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "LinksTouching", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.Source, &l.Dest); err != nil {
			return nil, rerr.New(rerr.Storage, "LinksTouching.scan", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// NodeIDsForFile returns the ids of every node currently associated with
// path.
func (s *Store) NodeIDsForFile(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM nodes WHERE file = ?`, path)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "NodeIDsForFile", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, rerr.New(rerr.Storage, "NodeIDsForFile.scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteFile removes the file row and cascades: every link touching a node
// of that file, then every node of that file, then the file row itself.
// A failed cascade is fatal for the current update cycle.
func (s *Store) DeleteFile(ctx context.Context, path string) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rerr.New(rerr.Storage, "DeleteFile", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM links WHERE source IN (SELECT id FROM nodes WHERE file = ?)
		   OR dest IN (SELECT id FROM nodes WHERE file = ?)`, path, path); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.links", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM olp WHERE node IN (SELECT id FROM nodes WHERE file = ?)`, path); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.olp", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM tags WHERE node IN (SELECT id FROM nodes WHERE file = ?)`, path); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.tags", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM aliases WHERE node IN (SELECT id FROM nodes WHERE file = ?)`, path); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.aliases", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM nodes WHERE file = ?`, path); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.nodes", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.files", err)
	}

	if err = tx.Commit(); err != nil {
		return rerr.New(rerr.Storage, "DeleteFile.commit", err)
	}
	return nil
}

// NodeSummary is a projection of a nodes row plus its tags, used by
// AllNodes, search, and graph-update payloads.
type NodeSummary struct {
	ID     string
	Title  string
	File   string
	Level  uint32
	Parent *string
	Tags   []string
}

// AllNodes streams every node through visit, in id order. Returning an
// error from visit stops iteration and the error is returned.
func (s *Store) AllNodes(ctx context.Context, visit func(NodeSummary) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, file, level FROM nodes ORDER BY id`)
	if err != nil {
		return rerr.New(rerr.Storage, "AllNodes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n NodeSummary
		if err := rows.Scan(&n.ID, &n.Title, &n.File, &n.Level); err != nil {
			return rerr.New(rerr.Storage, "AllNodes.scan", err)
		}
		tags, err := s.tagsFor(ctx, n.ID)
		if err != nil {
			return err
		}
		n.Tags = tags
		if err := visit(n); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) tagsFor(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM tags WHERE node = ? ORDER BY tag`, id)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "tagsFor", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, rerr.New(rerr.Storage, "tagsFor.scan", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// GetOLP returns the ordered outline-path segments for id.
func (s *Store) GetOLP(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT segment FROM olp WHERE node = ? ORDER BY position`, id)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "GetOLP", err)
	}
	defer rows.Close()
	var segs []string
	for rows.Next() {
		var seg string
		if err := rows.Scan(&seg); err != nil {
			return nil, rerr.New(rerr.Storage, "GetOLP.scan", err)
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// SearchByTitleLike returns nodes whose lowercase title contains each token
// as an ordered substring, optionally filtered to nodes carrying one of
// tagFilters.
func (s *Store) SearchByTitleLike(ctx context.Context, tokens []string, tagFilters []string) ([]NodeSummary, error) {
	pattern := "%"
	for _, t := range tokens {
		pattern += sqlEscapeLike(strings.ToLower(t)) + "%"
	}

	query := `SELECT DISTINCT n.id, n.title, n.file, n.level FROM nodes n`
	args := []any{}
	where := []string{"LOWER(n.title) LIKE ? ESCAPE '\\'"}
	args = append(args, pattern)

	if len(tagFilters) > 0 {
		query += ` JOIN tags t ON t.node = n.id`
		placeholders := make([]string, len(tagFilters))
		for i, tag := range tagFilters {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		where = append(where, fmt.Sprintf("t.tag IN (%s)", strings.Join(placeholders, ",")))
	}
	query += " WHERE " + strings.Join(where, " AND ") + " ORDER BY n.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "SearchByTitleLike", err)
	}
	defer rows.Close()

	var out []NodeSummary
	for rows.Next() {
		var n NodeSummary
		if err := rows.Scan(&n.ID, &n.Title, &n.File, &n.Level); err != nil {
			return nil, rerr.New(rerr.Storage, "SearchByTitleLike.scan", err)
		}
		tags, err := s.tagsFor(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		n.Tags = tags
		out = append(out, n)
	}
	return out, rows.Err()
}

// SearchByTitleRegexp returns nodes whose title matches the given regular
// expression, optionally filtered to nodes carrying one of tagFilters. The
// pattern is evaluated by sqlite via the REGEXP scalar function registered
// in regexp.go, so a malformed pattern simply matches nothing rather than
// failing the query.
func (s *Store) SearchByTitleRegexp(ctx context.Context, pattern string, tagFilters []string) ([]NodeSummary, error) {
	query := `SELECT DISTINCT n.id, n.title, n.file, n.level FROM nodes n`
	args := []any{pattern}
	where := []string{"n.title REGEXP ?"}

	if len(tagFilters) > 0 {
		query += ` JOIN tags t ON t.node = n.id`
		placeholders := make([]string, len(tagFilters))
		for i, tag := range tagFilters {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		where = append(where, fmt.Sprintf("t.tag IN (%s)", strings.Join(placeholders, ",")))
	}
	query += " WHERE " + strings.Join(where, " AND ") + " ORDER BY n.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "SearchByTitleRegexp", err)
	}
	defer rows.Close()

	var out []NodeSummary
	for rows.Next() {
		var n NodeSummary
		if err := rows.Scan(&n.ID, &n.Title, &n.File, &n.Level); err != nil {
			return nil, rerr.New(rerr.Storage, "SearchByTitleRegexp.scan", err)
		}
		tags, err := s.tagsFor(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		n.Tags = tags
		out = append(out, n)
	}
	return out, rows.Err()
}

// IdsByTagIn returns node ids whose tag set intersects tags.
func (s *Store) IdsByTagIn(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(tags))
	args := make([]any, len(tags))
	for i, t := range tags {
		placeholders[i] = "?"
		args[i] = t
	}
	query := fmt.Sprintf(`SELECT DISTINCT node FROM tags WHERE tag IN (%s) ORDER BY node`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerr.New(rerr.Storage, "IdsByTagIn", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, rerr.New(rerr.Storage, "IdsByTagIn.scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TitleAndTags fetches a single node's title and tags, used by the fuzzy
// search provider after it scores a cached document body.
func (s *Store) TitleAndTags(ctx context.Context, id string) (title string, tags []string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT title FROM nodes WHERE id = ?`, id).Scan(&title)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, rerr.New(rerr.Storage, "TitleAndTags", err)
	}
	tags, err = s.tagsFor(ctx, id)
	return title, tags, err
}

func sqlEscapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
