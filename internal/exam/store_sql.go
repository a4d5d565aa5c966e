package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists definitions and attempts over database/sql. Works
// against sqlite (modernc) and postgres (pgx stdlib); both accept $N
// placeholders.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	if err := e.Validate(); err != nil {
		return err
	}
	sj, err := json.Marshal(e.Sections)
	if err != nil {
		return err
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO exams (id,title,time_limit_min,sections_json,total_points,allow_selective,locked,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, time_limit_min=EXCLUDED.time_limit_min,
			sections_json=EXCLUDED.sections_json, total_points=EXCLUDED.total_points,
			allow_selective=EXCLUDED.allow_selective, locked=EXCLUDED.locked`,
		e.ID, e.Title, e.TimeLimitMin, string(sj), e.TotalPoints, e.AllowSelective, e.Locked, e.CreatedAt)
	return err
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,title,time_limit_min,sections_json,total_points,allow_selective,locked,created_at FROM exams WHERE id=$1`, id)
	var e Exam
	var sj string
	if err := row.Scan(&e.ID, &e.Title, &e.TimeLimitMin, &sj, &e.TotalPoints, &e.AllowSelective, &e.Locked, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Exam{}, ErrExamNotFound
		}
		return Exam{}, err
	}
	if err := json.Unmarshal([]byte(sj), &e.Sections); err != nil {
		return Exam{}, err
	}
	return e, nil
}

func (s *SQLStore) InsertAttempt(ctx context.Context, a Attempt) error {
	sel, resp, scope, revs, err := marshalAttemptDocs(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO attempts (id,exam_id,user_id,status,started_at,deadline_at,submitted_at,selections_json,responses_json,scope_json,revisions_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.ExamID, a.UserID, a.Status, a.StartedAt, a.DeadlineAt, a.SubmittedAt, sel, resp, scope, revs)
	return err
}

func (s *SQLStore) UpdateAttempt(ctx context.Context, a Attempt) error {
	sel, resp, scope, revs, err := marshalAttemptDocs(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE attempts SET status=$1, submitted_at=$2, selections_json=$3, responses_json=$4, scope_json=$5, revisions_json=$6 WHERE id=$7`,
		a.Status, a.SubmittedAt, sel, resp, scope, revs, a.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrAttemptNotFound
	}
	return a, err
}

func (s *SQLStore) ActiveAttempt(ctx context.Context, examID, userID string) (Attempt, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts
		WHERE exam_id=$1 AND user_id=$2 AND status != '`+StatusFinalized+`'
		ORDER BY started_at DESC LIMIT 1`, examID, userID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, false, nil
	}
	if err != nil {
		return Attempt{}, false, err
	}
	return a, true, nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.ExamID != "" {
		add("exam_id=$%d", opts.ExamID)
	}
	if opts.UserID != "" {
		add("user_id=$%d", opts.UserID)
	}
	if opts.Status != "" {
		add("status=$%d", opts.Status)
	}
	q := `SELECT ` + attemptCols + ` FROM attempts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id"
	// Limit 0 means the default page size; negative means unbounded.
	limit := opts.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const attemptCols = `id,exam_id,user_id,status,started_at,deadline_at,submitted_at,selections_json,responses_json,scope_json,revisions_json`

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var sel, resp, scope, revs string
	if err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Status, &a.StartedAt, &a.DeadlineAt, &a.SubmittedAt, &sel, &resp, &scope, &revs); err != nil {
		return Attempt{}, err
	}
	if err := json.Unmarshal([]byte(sel), &a.Selections); err != nil {
		return Attempt{}, fmt.Errorf("selections_json: %w", err)
	}
	if err := json.Unmarshal([]byte(resp), &a.Responses); err != nil {
		return Attempt{}, fmt.Errorf("responses_json: %w", err)
	}
	if err := json.Unmarshal([]byte(scope), &a.ResolvedScope); err != nil {
		return Attempt{}, fmt.Errorf("scope_json: %w", err)
	}
	if err := json.Unmarshal([]byte(revs), &a.Revisions); err != nil {
		return Attempt{}, fmt.Errorf("revisions_json: %w", err)
	}
	return a, nil
}

func marshalAttemptDocs(a Attempt) (sel, resp, scope, revs string, err error) {
	if a.Selections == nil {
		a.Selections = map[string][]string{}
	}
	if a.Responses == nil {
		a.Responses = map[string]Answer{}
	}
	if a.ResolvedScope == nil {
		a.ResolvedScope = []string{}
	}
	if a.Revisions == nil {
		a.Revisions = []ScoreRevision{}
	}
	b, err := json.Marshal(a.Selections)
	if err != nil {
		return
	}
	sel = string(b)
	if b, err = json.Marshal(a.Responses); err != nil {
		return
	}
	resp = string(b)
	if b, err = json.Marshal(a.ResolvedScope); err != nil {
		return
	}
	scope = string(b)
	if b, err = json.Marshal(a.Revisions); err != nil {
		return
	}
	revs = string(b)
	return
}
