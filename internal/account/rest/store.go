// Package rest talks to a Supabase (PostgREST) telegram_users table.
//
// PostgREST filters apply to PATCH, so a conditional write is a PATCH
// filtered on both id and the expected balance. With
// "Prefer: return=representation" the response lists the rows it touched;
// an empty list means the expectation no longer held.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vnmchuo/nanogen/internal/account"
)

const (
	table         = "telegram_users"
	selectColumns = "id,username,first_name,last_name,balance,created_at,updated_at"
)

type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

var _ account.Backend = (*Store)(nil)

// NewStore builds a store for the project at supabaseURL. timeout bounds
// every request.
func NewStore(supabaseURL, serviceKey string, timeout time.Duration) *Store {
	return &Store{
		baseURL: strings.TrimRight(supabaseURL, "/") + "/rest/v1",
		apiKey:  serviceKey,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type row struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r row) account() account.Account {
	return account.Account{
		UserID:    r.ID,
		Username:  r.Username,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Balance:   r.Balance,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *Store) Read(ctx context.Context, userID int64) (account.Account, bool, error) {
	rows, err := s.query(ctx, url.Values{
		"id":     {"eq." + strconv.FormatInt(userID, 10)},
		"select": {selectColumns},
	})
	if err != nil {
		return account.Account{}, false, err
	}
	if len(rows) == 0 {
		return account.Account{}, false, nil
	}
	return rows[0].account(), true, nil
}

func (s *Store) ConditionalWrite(ctx context.Context, userID int64, expected, next int64) (bool, error) {
	id := strconv.FormatInt(userID, 10)
	now := s.now().UTC().Format(time.RFC3339Nano)

	var rows []row
	err := s.do(ctx, http.MethodPatch, url.Values{
		"id":      {"eq." + id},
		"balance": {"eq." + strconv.FormatInt(expected, 10)},
		"select":  {selectColumns},
	}, map[string]any{"balance": next, "updated_at": now}, "return=representation", &rows)
	if err != nil {
		return false, err
	}
	if len(rows) > 0 || expected != 0 {
		return len(rows) > 0, nil
	}

	// Nothing matched a zero expectation: the row may not exist yet. Insert
	// it, ignoring the insert if someone else created the row meanwhile.
	err = s.do(ctx, http.MethodPost, url.Values{
		"on_conflict": {"id"},
		"select":      {selectColumns},
	}, []map[string]any{{"id": userID, "balance": next, "updated_at": now}},
		"return=representation,resolution=ignore-duplicates", &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Store) UnconditionalWrite(ctx context.Context, userID int64, next int64) (bool, error) {
	var rows []row
	err := s.do(ctx, http.MethodPost, url.Values{
		"on_conflict": {"id"},
		"select":      {selectColumns},
	}, []map[string]any{{
		"id":         userID,
		"balance":    next,
		"updated_at": s.now().UTC().Format(time.RFC3339Nano),
	}}, "return=representation,resolution=merge-duplicates", &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Store) Register(ctx context.Context, p account.Profile) error {
	names := map[string]any{
		"username":   nullable(p.Username),
		"first_name": nullable(p.FirstName),
		"last_name":  nullable(p.LastName),
	}

	insert := map[string]any{"id": p.UserID, "balance": 0}
	for k, v := range names {
		insert[k] = v
	}
	err := s.do(ctx, http.MethodPost, url.Values{"on_conflict": {"id"}},
		[]map[string]any{insert}, "return=minimal,resolution=ignore-duplicates", nil)
	if err != nil {
		return err
	}

	names["updated_at"] = s.now().UTC().Format(time.RFC3339Nano)
	return s.do(ctx, http.MethodPatch, url.Values{
		"id": {"eq." + strconv.FormatInt(p.UserID, 10)},
	}, names, "return=minimal", nil)
}

func (s *Store) Get(ctx context.Context, userID int64) (*account.Account, error) {
	a, ok, err := s.Read(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, account.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]account.Account, error) {
	rows, err := s.query(ctx, url.Values{
		"select": {selectColumns},
		"order":  {"created_at.desc"},
		"limit":  {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	return accounts(rows), nil
}

func (s *Store) Search(ctx context.Context, q string, limit int) ([]account.Account, error) {
	q = account.NormalizeQuery(q)
	params := url.Values{
		"select": {selectColumns},
		"order":  {"created_at.desc"},
		"limit":  {strconv.Itoa(limit)},
	}
	if id, err := strconv.ParseInt(q, 10, 64); err == nil {
		params.Set("id", "eq."+strconv.FormatInt(id, 10))
	} else {
		// PostgREST reserves , ( ) inside or= filters.
		clean := strings.NewReplacer(",", " ", "(", " ", ")", " ", "*", " ").Replace(q)
		params.Set("or", fmt.Sprintf("(username.ilike.*%[1]s*,first_name.ilike.*%[1]s*,last_name.ilike.*%[1]s*)", clean))
	}
	rows, err := s.query(ctx, params)
	if err != nil {
		return nil, err
	}
	return accounts(rows), nil
}

func (s *Store) query(ctx context.Context, params url.Values) ([]row, error) {
	var rows []row
	if err := s.do(ctx, http.MethodGet, params, nil, "", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) do(ctx context.Context, method string, params url.Values, body any, prefer string, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	endpoint := s.baseURL + "/" + table + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("supabase %s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("supabase %s %s: status %d: %s", method, table, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("supabase %s %s: decode: %w", method, table, err)
	}
	return nil
}

func accounts(rows []row) []account.Account {
	out := make([]account.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
