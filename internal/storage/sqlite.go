package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite document store.
type Store struct {
	db  *sql.DB
	log logx.Logger
	bus eventbus.Bus

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes writes per document.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log, bus: bus, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// changed wakes the change feed after a local write that fired a trigger.
func (s *Store) changed() {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeChangesAppended})
	}
}

// ---- users ----

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var (
		u         User
		token     sql.NullString
		interests string
		created   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, device_token, interests, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &token, &interests, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.DeviceToken = token.String
	u.Interests = decodeStrings(interests)
	u.CreatedAt = time.UnixMilli(created)
	return u, nil
}

// UsersWithToken returns users that have a device token, optionally limited
// to those carrying the interest tag. An empty interest means no filter.
func (s *Store) UsersWithToken(ctx context.Context, interest string) ([]User, error) {
	q := `SELECT id, name, device_token, interests, created_at FROM users
	      WHERE device_token IS NOT NULL AND device_token != ''`
	args := []any{}
	if interest != "" {
		q += ` AND EXISTS (SELECT 1 FROM json_each(users.interests) WHERE json_each.value = ?)`
		args = append(args, interest)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u         User
			token     sql.NullString
			interests string
			created   int64
		)
		if err := rows.Scan(&u.ID, &u.Name, &token, &interests, &created); err != nil {
			return nil, err
		}
		u.DeviceToken = token.String
		u.Interests = decodeStrings(interests)
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	return out, rows.Err()
}

// PutUser inserts or updates a user. Only inserts reach the change log.
func (s *Store) PutUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	interests := encodeStrings(normalizeTags(u.Interests))
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, device_token = ?, interests = ? WHERE id = ?`,
		u.Name, nullStr(u.DeviceToken), interests, u.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, device_token, interests, created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Name, nullStr(u.DeviceToken), interests, u.CreatedAt.UnixMilli(),
	)
	if err == nil {
		s.changed()
	}
	return err
}

// ---- orders ----

func (s *Store) GetOrder(ctx context.Context, id string) (Order, error) {
	var (
		o       Order
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, total_amount, status, updated_at FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.UpdatedAt = time.UnixMilli(updated)
	return o, nil
}

// PutOrder inserts or updates an order. Updates reach the change log.
func (s *Store) PutOrder(ctx context.Context, o Order) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET user_id = ?, total_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
		o.UserID, o.TotalAmount, o.Status, o.UpdatedAt.UnixMilli(), o.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.changed()
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders(id, user_id, total_amount, status, updated_at) VALUES(?,?,?,?,?)`,
		o.ID, o.UserID, o.TotalAmount, o.Status, o.UpdatedAt.UnixMilli(),
	)
	return err
}

// ---- request ledger ----

const requestColumns = `id, type, user_id, target_user_ids, category, title, body, data,
	status, created_at, processed_at, sent_at, total_targeted, total_sent, total_failed,
	error, provider_response, claimed_by, claimed_at`

// InsertRequest stores a new ledger row. It reports false when a row with
// the same id already exists; the existing row is left untouched.
func (s *Store) InsertRequest(ctx context.Context, r Request) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = "pending"
	}
	data, err := json.Marshal(nonNilMap(r.Data))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_requests(id, type, user_id, target_user_ids, category, title, body, data, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Type, nullStr(r.UserID), encodeStrings(r.TargetUserIDs), nullStr(r.Category),
		r.Title, r.Body, string(data), r.Status, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.changed()
	}
	return n > 0, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM notification_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

// ClaimRequest marks a pending request as owned by claimant. A claim older
// than staleBefore is considered abandoned and may be taken over. The
// request must still be pending.
func (s *Store) ClaimRequest(ctx context.Context, id, claimant string, at, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_requests SET claimed_by = ?, claimed_at = ?
		 WHERE id = ? AND status = 'pending' AND (claimed_by IS NULL OR claimed_at < ?)`,
		claimant, at.UnixMilli(), id, staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishRequest writes the terminal outcome of a request claimed by claimant.
func (s *Store) FinishRequest(ctx context.Context, id, claimant string, out RequestOutcome) error {
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}
	var sentAt any
	if out.Sent {
		sentAt = at.UnixMilli()
	}
	var targeted, sent, failed any
	if out.Counts != nil {
		targeted, sent, failed = out.Counts.Targeted, out.Counts.Sent, out.Counts.Failed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_requests
		 SET status = ?, processed_at = ?, sent_at = ?, total_targeted = ?, total_sent = ?, total_failed = ?,
		     error = ?, provider_response = ?
		 WHERE id = ? AND status = 'pending' AND claimed_by = ?`,
		out.Status, at.UnixMilli(), sentAt, targeted, sent, failed,
		nullStr(out.Error), nullStr(out.ProviderResponse),
		id, claimant,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// DeleteRequestsCreatedBefore deletes every request with created_at <= cutoff
// in one statement.
func (s *Store) DeleteRequestsCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_requests WHERE created_at <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- audit log ----

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, title, body, type, order_id, request_id, status, sent_at, provider_response)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.Title, e.Body, e.Type, nullStr(e.OrderID), nullStr(e.RequestID),
		nullStr(e.Status), e.SentAt.UnixMilli(), nullStr(e.ProviderResponse),
	)
	return err
}

// AuditForOrder lists audit entries for an order, oldest first.
func (s *Store) AuditForOrder(ctx context.Context, orderID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, body, type, order_id, request_id, status, sent_at, provider_response
		 FROM notifications WHERE order_id = ? ORDER BY sent_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e                        AuditEntry
			order, req, status, resp sql.NullString
			sent                     int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Body, &e.Type, &order, &req, &status, &sent, &resp); err != nil {
			return nil, err
		}
		e.OrderID, e.RequestID, e.Status, e.ProviderResponse = order.String, req.String, status.String, resp.String
		e.SentAt = time.UnixMilli(sent)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteAuditSentBefore deletes every audit entry with sent_at <= cutoff in
// one statement.
func (s *Store) DeleteAuditSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE sent_at <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- dedup ----

// ClaimDedup records key until the given time. It reports false when the key
// is already held by a live (unexpired) record.
func (s *Store) ClaimDedup(ctx context.Context, key string, now, until time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until WHERE dedup.until < ?`,
		key, until.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
		cancel()
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- change log ----

func (s *Store) ChangesAfter(ctx context.Context, seq int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, doc_id, kind, before, after, created_at
		 FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c             Change
			before, after sql.NullString
			created       int64
		)
		if err := rows.Scan(&c.Seq, &c.Collection, &c.DocID, &c.Kind, &before, &after, &created); err != nil {
			return nil, err
		}
		if before.Valid {
			c.Before = []byte(before.String)
		}
		if after.Valid {
			c.After = []byte(after.String)
		}
		c.CreatedAt = time.UnixMilli(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Cursor returns the last acknowledged change seq for a consumer (0 if none).
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *Store) SetCursor(ctx context.Context, name string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(name, seq) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET seq = excluded.seq WHERE excluded.seq > cursors.seq`,
		name, seq,
	)
	return err
}

// DeleteChangesConsumedBefore deletes change rows created at or before
// cutoff that every cursor has already passed. Rows are kept while no
// cursor exists.
func (s *Store) DeleteChangesConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM changes
		 WHERE created_at <= ? AND seq <= (SELECT COALESCE(MIN(seq), 0) FROM cursors)`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- analytics ----

// RequestStats aggregates requests created in [from, to).
func (s *Store) RequestStats(ctx context.Context, from, to time.Time) (map[string]int64, Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_sent), 0), COALESCE(SUM(total_failed), 0)
		 FROM notification_requests WHERE created_at >= ? AND created_at < ? GROUP BY status`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, Counts{}, err
	}
	defer rows.Close()

	byStatus := map[string]int64{}
	var sum Counts
	for rows.Next() {
		var (
			status       string
			n            int64
			sent, failed int
		)
		if err := rows.Scan(&status, &n, &sent, &failed); err != nil {
			return nil, Counts{}, err
		}
		byStatus[status] = n
		sum.Sent += sent
		sum.Failed += failed
	}
	return byStatus, sum, rows.Err()
}

// AuditStats counts audit entries sent in [from, to) by type.
func (s *Store) AuditStats(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM notifications WHERE sent_at >= ? AND sent_at < ? GROUP BY type`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func (s *Store) PutDailyStats(ctx context.Context, d DailyStats) error {
	byStatus, err := json.Marshal(d.RequestsByStatus)
	if err != nil {
		return err
	}
	byType, err := json.Marshal(d.AuditByType)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO daily_stats(day, requests_total, requests_by_status, audit_total, audit_by_type,
		                         recipients_sent, recipients_failed, generated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(day) DO UPDATE SET
		   requests_total = excluded.requests_total, requests_by_status = excluded.requests_by_status,
		   audit_total = excluded.audit_total, audit_by_type = excluded.audit_by_type,
		   recipients_sent = excluded.recipients_sent, recipients_failed = excluded.recipients_failed,
		   generated_at = excluded.generated_at`,
		d.Day, d.RequestsTotal, string(byStatus), d.AuditTotal, string(byType),
		d.RecipientsSent, d.RecipientsFailed, d.GeneratedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetDailyStats(ctx context.Context, day string) (DailyStats, error) {
	var (
		d                DailyStats
		byStatus, byType string
		generated        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT day, requests_total, requests_by_status, audit_total, audit_by_type,
		        recipients_sent, recipients_failed, generated_at
		 FROM daily_stats WHERE day = ?`, day,
	).Scan(&d.Day, &d.RequestsTotal, &byStatus, &d.AuditTotal, &byType, &d.RecipientsSent, &d.RecipientsFailed, &generated)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyStats{}, ErrNotFound
	}
	if err != nil {
		return DailyStats{}, err
	}
	_ = json.Unmarshal([]byte(byStatus), &d.RequestsByStatus)
	_ = json.Unmarshal([]byte(byType), &d.AuditByType)
	d.GeneratedAt = time.UnixMilli(generated)
	return d, nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r                                   Request
		userID, category, errStr, resp, cby sql.NullString
		targets, data                       string
		created                             int64
		processed, sent, cat                sql.NullInt64
		targeted, nsent, nfailed            sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Type, &userID, &targets, &category, &r.Title, &r.Body, &data,
		&r.Status, &created, &processed, &sent, &targeted, &nsent, &nfailed,
		&errStr, &resp, &cby, &cat)
	if err != nil {
		return Request{}, err
	}
	r.UserID = userID.String
	r.Category = category.String
	r.TargetUserIDs = decodeStrings(targets)
	r.Data = map[string]string{}
	_ = json.Unmarshal([]byte(data), &r.Data)
	r.CreatedAt = time.UnixMilli(created)
	r.ProcessedAt = fromMillis(processed)
	r.SentAt = fromMillis(sent)
	r.TotalTargeted = int(targeted.Int64)
	r.TotalSent = int(nsent.Int64)
	r.TotalFailed = int(nfailed.Int64)
	r.Error = errStr.String
	r.ProviderResponse = resp.String
	r.ClaimedBy = cby.String
	r.ClaimedAt = fromMillis(cat)
	return r, nil
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
