package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "tutordash/pkg/logx"
)

// sqlStore implements Store on database/sql. Statements are written with
// '?' placeholders and rebound for drivers that need '$n'.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	t       Tables
	dollars bool
}

func (s *sqlStore) q(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) PutConnection(ctx context.Context, c Connection) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(
		`INSERT INTO %s (connection_id, user_email, connected_at, ttl) VALUES (?, ?, ?, ?)
		 ON CONFLICT (connection_id) DO UPDATE SET user_email = excluded.user_email, connected_at = excluded.connected_at, ttl = excluded.ttl`,
		s.t.Connections)),
		c.ID, c.UserEmail, c.ConnectedAt.UnixMilli(), c.ExpiresAt.Unix(),
	)
	return err
}

func (s *sqlStore) DeleteConnection(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE connection_id = ?`, s.t.Connections)), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ConnectionsByUser(ctx context.Context, userEmail string) ([]Connection, error) {
	return s.queryConnections(ctx, fmt.Sprintf(
		`SELECT connection_id, user_email, connected_at, ttl FROM %s WHERE user_email = ? ORDER BY connected_at, connection_id`,
		s.t.Connections), userEmail)
}

func (s *sqlStore) AllConnections(ctx context.Context) ([]Connection, error) {
	return s.queryConnections(ctx, fmt.Sprintf(
		`SELECT connection_id, user_email, connected_at, ttl FROM %s ORDER BY connected_at, connection_id`,
		s.t.Connections))
}

func (s *sqlStore) queryConnections(ctx context.Context, query string, args ...any) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		var (
			c                 Connection
			connectedMS, ttlS int64
		)
		if err := rows.Scan(&c.ID, &c.UserEmail, &connectedMS, &ttlS); err != nil {
			return nil, err
		}
		c.ConnectedAt = time.UnixMilli(connectedMS)
		c.ExpiresAt = time.Unix(ttlS, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteExpiredConnections(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE ttl <= ?`, s.t.Connections)), now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) PutAssignment(ctx context.Context, a Assignment) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(
		`INSERT INTO %s (tutor_email, student_email, status, room, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tutor_email, student_email) DO UPDATE SET status = excluded.status, room = excluded.room, updated_at = excluded.updated_at`,
		s.t.Assignments)),
		a.TutorEmail, a.StudentEmail, a.Status, a.Room, a.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) AssignmentsByTutor(ctx context.Context, tutorEmail string) ([]Assignment, error) {
	return s.queryAssignments(ctx, fmt.Sprintf(
		`SELECT tutor_email, student_email, status, room, updated_at FROM %s WHERE tutor_email = ? ORDER BY student_email`,
		s.t.Assignments), tutorEmail)
}

func (s *sqlStore) AssignmentsByStudent(ctx context.Context, studentEmail string) ([]Assignment, error) {
	return s.queryAssignments(ctx, fmt.Sprintf(
		`SELECT tutor_email, student_email, status, room, updated_at FROM %s WHERE student_email = ? ORDER BY tutor_email`,
		s.t.Assignments), studentEmail)
}

func (s *sqlStore) queryAssignments(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a         Assignment
			updatedMS int64
		)
		if err := rows.Scan(&a.TutorEmail, &a.StudentEmail, &a.Status, &a.Room, &updatedMS); err != nil {
			return nil, err
		}
		a.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(
		`INSERT INTO %s (email, name, role) VALUES (?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET name = excluded.name, role = excluded.role`,
		s.t.Profiles)),
		p.Email, p.Name, p.Role,
	)
	return err
}

func (s *sqlStore) GetProfile(ctx context.Context, email string) (Profile, bool, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT email, name, role FROM %s WHERE email = ?`, s.t.Profiles)), email).
		Scan(&p.Email, &p.Name, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *sqlStore) ProfilesByRole(ctx context.Context, role string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`SELECT email, name, role FROM %s WHERE role = ? ORDER BY email`, s.t.Profiles)), role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Email, &p.Name, &p.Role); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutActivity(ctx context.Context, a Activity) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(
		`INSERT INTO %s (tutor_email, student_email, room, speaking_ratio, duration_ms, needs_help, last_active) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tutor_email, student_email) DO UPDATE SET room = excluded.room, speaking_ratio = excluded.speaking_ratio,
		   duration_ms = excluded.duration_ms, needs_help = excluded.needs_help, last_active = excluded.last_active`,
		s.t.Activity)),
		a.TutorEmail, a.StudentEmail, a.Room, a.SpeakingRatio, a.DurationMS, a.NeedsHelp, a.LastActive.UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetActivity(ctx context.Context, tutorEmail, studentEmail string) (Activity, bool, error) {
	var (
		a        Activity
		activeMS int64
	)
	err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(
		`SELECT tutor_email, student_email, room, speaking_ratio, duration_ms, needs_help, last_active FROM %s WHERE tutor_email = ? AND student_email = ?`,
		s.t.Activity)), tutorEmail, studentEmail).
		Scan(&a.TutorEmail, &a.StudentEmail, &a.Room, &a.SpeakingRatio, &a.DurationMS, &a.NeedsHelp, &activeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, false, nil
	}
	if err != nil {
		return Activity{}, false, err
	}
	if activeMS > 0 {
		a.LastActive = time.UnixMilli(activeMS)
	}
	return a, true, nil
}

func (s *sqlStore) EnqueueMessage(ctx context.Context, m QueueMessage) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(
		`INSERT INTO %s (id, tutor_email, body, enqueued_at, visible_at, attempts) VALUES (?, ?, ?, ?, ?, ?)`,
		s.t.Queue)),
		m.ID, m.TutorEmail, string(m.Body), m.EnqueuedAt.UnixMilli(), m.VisibleAt.UnixMilli(), m.Attempts,
	)
	return err
}

// ClaimMessages selects visible candidates, then claims each with a
// conditional update on its previous visibility so concurrent claimers
// never both win the same row.
func (s *sqlStore) ClaimMessages(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]QueueMessage, error) {
	if limit <= 0 {
		limit = 16
	}
	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(
		`SELECT id, tutor_email, body, enqueued_at, visible_at, attempts FROM %s WHERE visible_at <= ? ORDER BY enqueued_at, id LIMIT ?`,
		s.t.Queue)), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		m         QueueMessage
		visibleMS int64
	}
	var cands []candidate
	for rows.Next() {
		var (
			c          candidate
			body       string
			enqueuedMS int64
		)
		if err := rows.Scan(&c.m.ID, &c.m.TutorEmail, &body, &enqueuedMS, &c.visibleMS, &c.m.Attempts); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.m.Body = []byte(body)
		c.m.EnqueuedAt = time.UnixMilli(enqueuedMS)
		cands = append(cands, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deadline := now.Add(visibility)
	claim := s.q(fmt.Sprintf(`UPDATE %s SET visible_at = ?, attempts = attempts + 1 WHERE id = ? AND visible_at = ?`, s.t.Queue))
	out := make([]QueueMessage, 0, len(cands))
	for _, c := range cands {
		res, err := s.db.ExecContext(ctx, claim, deadline.UnixMilli(), c.m.ID, c.visibleMS)
		if err != nil {
			return out, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		c.m.VisibleAt = deadline
		c.m.Attempts++
		out = append(out, c.m)
	}
	return out, nil
}

func (s *sqlStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.t.Queue)), id)
	return err
}

func (s *sqlStore) ReleaseMessage(ctx context.Context, id string, visibleAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`UPDATE %s SET visible_at = ? WHERE id = ?`, s.t.Queue)), visibleAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
