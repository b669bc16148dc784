package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jcdickinson/rsimpl/internal/implementors"
	_ "github.com/marcboeker/go-duckdb"
)

type DB struct {
	conn *sql.DB
}

func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	conn, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_page_id START 1;`,
		`CREATE SEQUENCE IF NOT EXISTS seq_implementor_id START 1;`,

		`CREATE TABLE IF NOT EXISTS pages (
			id INTEGER PRIMARY KEY,
			trait TEXT NOT NULL UNIQUE,
			publication_id TEXT NOT NULL,
			snapshot_hash TEXT NOT NULL,
			published_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS page_libraries (
			page_id INTEGER NOT NULL,
			library TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_page_libraries_page ON page_libraries (page_id)`,

		`CREATE TABLE IF NOT EXISTS implementors (
			id INTEGER PRIMARY KEY,
			page_id INTEGER NOT NULL,
			library TEXT NOT NULL,
			position INTEGER NOT NULL,
			text TEXT NOT NULL,
			synthetic BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_implementors_page ON implementors (page_id)`,

		`CREATE TABLE IF NOT EXISTS implementor_types (
			implementor_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			type_path TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_implementor_types_impl ON implementor_types (implementor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_implementor_types_path ON implementor_types (type_path)`,
	}

	for _, q := range queries {
		if _, err := db.conn.Exec(q); err != nil {
			return fmt.Errorf("executing %q: %w", q, err)
		}
	}
	return nil
}

// --- Page operations ---

type Page struct {
	ID            int
	Trait         string
	PublicationID string
	SnapshotHash  string
	PublishedAt   time.Time
	DeliveredAt   *time.Time
	Records       int
}

// SavePage stores idx as the published index of a trait page, replacing
// whatever an earlier publication stored.
func (db *DB) SavePage(trait, publicationID, snapshotHash string, idx implementors.Index) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var pageID int
	err = tx.QueryRow(`SELECT id FROM pages WHERE trait = ?`, trait).Scan(&pageID)
	switch {
	case err == sql.ErrNoRows:
		if err := tx.QueryRow(`SELECT nextval('seq_page_id')`).Scan(&pageID); err != nil {
			return fmt.Errorf("allocating page id: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO pages (id, trait, publication_id, snapshot_hash, published_at) VALUES (?, ?, ?, ?, ?)`,
			pageID, trait, publicationID, snapshotHash, now,
		); err != nil {
			return fmt.Errorf("inserting page: %w", err)
		}
	case err != nil:
		return fmt.Errorf("checking page: %w", err)
	default:
		if _, err := tx.Exec(
			`UPDATE pages SET publication_id = ?, snapshot_hash = ?, published_at = ?, delivered_at = NULL WHERE id = ?`,
			publicationID, snapshotHash, now, pageID,
		); err != nil {
			return fmt.Errorf("updating page: %w", err)
		}
		if err := deletePageRecords(tx, pageID); err != nil {
			return err
		}
	}

	for _, lib := range idx.Libraries() {
		if _, err := tx.Exec(`INSERT INTO page_libraries (page_id, library) VALUES (?, ?)`, pageID, lib); err != nil {
			return fmt.Errorf("inserting library %s: %w", lib, err)
		}
		for pos, rec := range idx[lib] {
			var implID int
			if err := tx.QueryRow(`SELECT nextval('seq_implementor_id')`).Scan(&implID); err != nil {
				return fmt.Errorf("allocating implementor id: %w", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO implementors (id, page_id, library, position, text, synthetic) VALUES (?, ?, ?, ?, ?, ?)`,
				implID, pageID, lib, pos, rec.Text, rec.Synthetic,
			); err != nil {
				return fmt.Errorf("inserting implementor %s[%d]: %w", lib, pos, err)
			}
			for tpos, typ := range rec.Types {
				if _, err := tx.Exec(
					`INSERT INTO implementor_types (implementor_id, position, type_path) VALUES (?, ?, ?)`,
					implID, tpos, typ,
				); err != nil {
					return fmt.Errorf("inserting type %s: %w", typ, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing page: %w", err)
	}
	return nil
}

func deletePageRecords(tx *sql.Tx, pageID int) error {
	queries := []string{
		`DELETE FROM implementor_types WHERE implementor_id IN (SELECT id FROM implementors WHERE page_id = ?)`,
		`DELETE FROM implementors WHERE page_id = ?`,
		`DELETE FROM page_libraries WHERE page_id = ?`,
	}
	for _, q := range queries {
		if _, err := tx.Exec(q, pageID); err != nil {
			return fmt.Errorf("clearing page records: %w", err)
		}
	}
	return nil
}

// MarkDelivered records that a page's index reached its consumer.
func (db *DB) MarkDelivered(trait string) error {
	_, err := db.conn.Exec(`UPDATE pages SET delivered_at = ? WHERE trait = ?`, time.Now().UTC(), trait)
	return err
}

func (db *DB) GetPage(trait string) (*Page, error) {
	var p Page
	err := db.conn.QueryRow(
		`SELECT p.id, p.trait, p.publication_id, p.snapshot_hash, p.published_at, p.delivered_at,
		        (SELECT COUNT(*) FROM implementors i WHERE i.page_id = p.id)
		 FROM pages p WHERE p.trait = ?`, trait,
	).Scan(&p.ID, &p.Trait, &p.PublicationID, &p.SnapshotHash, &p.PublishedAt, &p.DeliveredAt, &p.Records)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *DB) ListPages() ([]Page, error) {
	rows, err := db.conn.Query(
		`SELECT p.id, p.trait, p.publication_id, p.snapshot_hash, p.published_at, p.delivered_at,
		        (SELECT COUNT(*) FROM implementors i WHERE i.page_id = p.id)
		 FROM pages p ORDER BY p.trait`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.Trait, &p.PublicationID, &p.SnapshotHash, &p.PublishedAt, &p.DeliveredAt, &p.Records); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// --- Index operations ---

// LoadIndex rebuilds the stored index of a trait page with records in their
// published order. Returns nil when the page has never been published.
func (db *DB) LoadIndex(trait string) (implementors.Index, error) {
	page, err := db.GetPage(trait)
	if err != nil {
		return nil, fmt.Errorf("loading page: %w", err)
	}
	if page == nil {
		return nil, nil
	}

	idx := make(implementors.Index)
	libRows, err := db.conn.Query(`SELECT library FROM page_libraries WHERE page_id = ?`, page.ID)
	if err != nil {
		return nil, fmt.Errorf("loading libraries: %w", err)
	}
	for libRows.Next() {
		var lib string
		if err := libRows.Scan(&lib); err != nil {
			libRows.Close()
			return nil, err
		}
		idx[lib] = []implementors.Record{}
	}
	libRows.Close()

	types, err := db.implementorTypes(page.ID)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(
		`SELECT id, library, text, synthetic FROM implementors WHERE page_id = ? ORDER BY library, position`,
		page.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading implementors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int
			lib string
			rec implementors.Record
		)
		if err := rows.Scan(&id, &lib, &rec.Text, &rec.Synthetic); err != nil {
			return nil, err
		}
		rec.Types = types[id]
		idx[lib] = append(idx[lib], rec)
	}
	return idx, rows.Err()
}

func (db *DB) implementorTypes(pageID int) (map[int][]string, error) {
	rows, err := db.conn.Query(
		`SELECT t.implementor_id, t.type_path
		 FROM implementor_types t JOIN implementors i ON i.id = t.implementor_id
		 WHERE i.page_id = ?
		 ORDER BY t.implementor_id, t.position`, pageID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading implementor types: %w", err)
	}
	defer rows.Close()

	types := make(map[int][]string)
	for rows.Next() {
		var id int
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		types[id] = append(types[id], path)
	}
	return types, rows.Err()
}

// TraitsInvolving returns the traits whose stored index has a record
// involving typePath, sorted.
func (db *DB) TraitsInvolving(typePath string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT p.trait
		 FROM implementor_types t
		 JOIN implementors i ON i.id = t.implementor_id
		 JOIN pages p ON p.id = i.page_id
		 WHERE t.type_path = ?
		 ORDER BY p.trait`, typePath,
	)
	if err != nil {
		return nil, fmt.Errorf("querying traits: %w", err)
	}
	defer rows.Close()

	var traits []string
	for rows.Next() {
		var trait string
		if err := rows.Scan(&trait); err != nil {
			return nil, err
		}
		traits = append(traits, trait)
	}
	return traits, rows.Err()
}
