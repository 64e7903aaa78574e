package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// --- Notebooks ---

func (s *Store) CreateNotebook(n Notebook) error {
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO notebooks (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.Description, toMillis(n.CreatedAt), toMillis(now),
	)
	return err
}

func (s *Store) GetNotebook(id string) (Notebook, error) {
	var n Notebook
	var createdAt, updatedAt int64
	err := s.db.QueryRow(`SELECT id, name, description, created_at, updated_at FROM notebooks WHERE id = ?`, id).
		Scan(&n.ID, &n.Name, &n.Description, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Notebook{}, ErrNotFound
	}
	if err != nil {
		return Notebook{}, err
	}
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return n, nil
}

func (s *Store) ListNotebooks() ([]Notebook, error) {
	rows, err := s.db.Query(`SELECT id, name, description, created_at, updated_at FROM notebooks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Notebook
	for rows.Next() {
		var n Notebook
		var createdAt, updatedAt int64
		if err := rows.Scan(&n.ID, &n.Name, &n.Description, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = fromMillis(createdAt)
		n.UpdatedAt = fromMillis(updatedAt)
		result = append(result, n)
	}
	return result, rows.Err()
}

// --- Artifacts ---

func (s *Store) SaveArtifact(a Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO artifacts (id, filename, content_type, location, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Filename, a.ContentType, a.Location, a.Size, toMillis(a.CreatedAt),
	)
	return err
}

func (s *Store) GetArtifact(id string) (Artifact, error) {
	var a Artifact
	var createdAt int64
	err := s.db.QueryRow(`SELECT id, filename, content_type, location, size, created_at FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.Filename, &a.ContentType, &a.Location, &a.Size, &createdAt)
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}

func (s *Store) DeleteArtifact(id string) error {
	return s.deleteByID("artifacts", id)
}

// --- Sources ---

const sourceColumns = `id, notebook_id, title, artifact_id, url, content_type, text, status, created_at, updated_at`

func (s *Store) CreateSource(src Source) error {
	now := s.now()
	status := src.Status
	if status == "" {
		status = SourcePending
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.NotebookID, src.Title, nullString(src.ArtifactID), nullString(src.URL),
		src.ContentType, src.Text, string(status), toMillis(now), toMillis(now),
	)
	return err
}

// GetSource returns the source with its attached note ids.
func (s *Store) GetSource(id string) (Source, error) {
	src, err := scanSource(s.db.QueryRow(`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, err
	}
	ids, err := s.noteIDsForSource(id)
	if err != nil {
		return Source{}, err
	}
	src.NoteIDs = ids
	return src, nil
}

// ListSources returns a notebook's sources without their text, most
// recently updated first.
func (s *Store) ListSources(notebookID string) ([]Source, error) {
	rows, err := s.db.Query(`SELECT `+sourceColumns+` FROM sources WHERE notebook_id = ? ORDER BY updated_at DESC`, notebookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		src.Text = ""
		result = append(result, src)
	}
	return result, rows.Err()
}

func (s *Store) UpdateSourceTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE sources SET title = ?, updated_at = ? WHERE id = ?`, title, toMillis(s.now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// validSourceTransition encodes the monotonic source lifecycle. done only
// goes back to processing on an explicit re-ingest.
func validSourceTransition(from, to SourceStatus, reingest bool) bool {
	switch from {
	case SourcePending:
		return to == SourceProcessing
	case SourceProcessing:
		return to == SourceDone || to == SourceFailed
	case SourceFailed:
		return to == SourceProcessing
	case SourceDone:
		return to == SourceProcessing && reingest
	}
	return false
}

// TransitionSource moves a source to status `to` with a compare-and-set on
// the status it was read with.
func (s *Store) TransitionSource(id string, to SourceStatus, reingest bool) error {
	var from string
	err := s.db.QueryRow(`SELECT status FROM sources WHERE id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !validSourceTransition(SourceStatus(from), to, reingest) {
		return fmt.Errorf("source %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	res, err := s.db.Exec(`UPDATE sources SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(s.now()), id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("source %s changed concurrently: %w", id, ErrInvalidTransition)
	}
	return nil
}

// CompleteSource persists extracted text and moves the source from
// processing to done in a single statement.
func (s *Store) CompleteSource(id, text, contentType string) error {
	query := `UPDATE sources SET text = ?, status = 'done', updated_at = ?`
	args := []any{text, toMillis(s.now())}
	if contentType != "" {
		query += `, content_type = ?`
		args = append(args, contentType)
	}
	query += ` WHERE id = ? AND status = 'processing'`
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		src, err := s.GetSource(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("source %s %s -> done: %w", id, src.Status, ErrInvalidTransition)
	}
	return nil
}

// DeleteSource removes a source together with its embedding records.
// Notes survive with their source link intact for history.
func (s *Store) DeleteSource(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embeddings WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("deleting embeddings for source %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func scanSource(row rowScanner) (Source, error) {
	var src Source
	var artifactID, url sql.NullString
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&src.ID, &src.NotebookID, &src.Title, &artifactID, &url, &src.ContentType,
		&src.Text, &status, &createdAt, &updatedAt); err != nil {
		return Source{}, err
	}
	src.ArtifactID = artifactID.String
	src.URL = url.String
	src.Status = SourceStatus(status)
	src.CreatedAt = fromMillis(createdAt)
	src.UpdatedAt = fromMillis(updatedAt)
	src.NoteIDs = []string{}
	return src, nil
}

func (s *Store) noteIDsForSource(sourceID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM notes WHERE source_id = ? ORDER BY created_at ASC, rowid ASC`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Notes ---

const noteColumns = `id, notebook_id, source_id, transformation_id, title, content, kind, created_at, updated_at`

func (s *Store) CreateNote(n Note) error {
	now := s.now()
	kind := n.Kind
	if kind == "" {
		kind = NoteHuman
	}
	_, err := s.db.Exec(`
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.NotebookID, nullString(n.SourceID), nullString(n.TransformationID),
		n.Title, n.Content, string(kind), toMillis(now), toMillis(now),
	)
	return err
}

func (s *Store) GetNote(id string) (Note, error) {
	n, err := scanNote(s.db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

// ListNotes returns the notes of a notebook, or of a single source when
// sourceID is set, oldest first.
func (s *Store) ListNotes(notebookID, sourceID string) ([]Note, error) {
	var conds []string
	var args []any
	if notebookID != "" {
		conds = append(conds, "notebook_id = ?")
		args = append(args, notebookID)
	}
	if sourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, sourceID)
	}
	query := `SELECT ` + noteColumns + ` FROM notes`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *Store) DeleteNote(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embeddings WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("deleting embeddings for note %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func scanNote(row rowScanner) (Note, error) {
	var n Note
	var sourceID, transformationID sql.NullString
	var kind string
	var createdAt, updatedAt int64
	if err := row.Scan(&n.ID, &n.NotebookID, &sourceID, &transformationID, &n.Title, &n.Content,
		&kind, &createdAt, &updatedAt); err != nil {
		return Note{}, err
	}
	n.SourceID = sourceID.String
	n.TransformationID = transformationID.String
	n.Kind = NoteKind(kind)
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return n, nil
}

// --- Transformations ---

const transformationColumns = `id, name, kind, prompt_template, apply_default, created_at`

func (s *Store) CreateTransformation(t Transformation) error {
	kind := t.Kind
	if kind == "" {
		kind = TransformCustom
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transformations (`+transformationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(kind), t.PromptTemplate, t.ApplyDefault, toMillis(t.CreatedAt),
	)
	return err
}

func (s *Store) GetTransformation(id string) (Transformation, error) {
	t, err := scanTransformation(s.db.QueryRow(`SELECT `+transformationColumns+` FROM transformations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Transformation{}, ErrNotFound
	}
	if err != nil {
		return Transformation{}, err
	}
	return t, nil
}

// ListTransformations returns all transformations, or only those applied to
// every new source when defaultsOnly is set.
func (s *Store) ListTransformations(defaultsOnly bool) ([]Transformation, error) {
	query := `SELECT ` + transformationColumns + ` FROM transformations`
	if defaultsOnly {
		query += ` WHERE apply_default = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Transformation
	for rows.Next() {
		t, err := scanTransformation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTransformation(row rowScanner) (Transformation, error) {
	var t Transformation
	var kind string
	var createdAt int64
	if err := row.Scan(&t.ID, &t.Name, &kind, &t.PromptTemplate, &t.ApplyDefault, &createdAt); err != nil {
		return Transformation{}, err
	}
	t.Kind = TransformationKind(kind)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

// --- helpers ---

func (s *Store) deleteByID(table, id string) error {
	res, err := s.db.Exec(`DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
