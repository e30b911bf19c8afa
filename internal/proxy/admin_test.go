package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/nanogen/internal/account"
	"github.com/vnmchuo/nanogen/internal/audit"
	"github.com/vnmchuo/nanogen/internal/auth"
)

const (
	adminID      = 100
	adminTokenID = "tok-admin"
)

// Mock Token Store
type mockTokenStore struct {
	created []*auth.APIToken
	revoked []string
}

func (m *mockTokenStore) GetByKey(ctx context.Context, key string) (*auth.APIToken, error) {
	return nil, auth.ErrTokenNotFound
}

func (m *mockTokenStore) Create(ctx context.Context, token *auth.APIToken) error {
	token.ID = "tok-1"
	m.created = append(m.created, token)
	return nil
}

func (m *mockTokenStore) Revoke(ctx context.Context, tokenID string) (*auth.APIToken, error) {
	for _, t := range m.created {
		if t.ID == tokenID {
			m.revoked = append(m.revoked, tokenID)
			t.Active = false
			return t, nil
		}
	}
	return nil, auth.ErrTokenNotFound
}

type adminEnv struct {
	*testEnv
	tokens *mockTokenStore
	cache  *miniredis.Miniredis
	router chi.Router
}

func setupAdmin(t *testing.T, callerID int64) *adminEnv {
	t.Helper()
	_, env := setupTest(t, nil, true)
	tokens := &mockTokenStore{}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	h := NewAdminHandler(env.ledger, env.accounts, tokens, rdb, env.recorder, zerolog.Nop())

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := auth.WithUserID(req.Context(), callerID)
			next.ServeHTTP(w, req.WithContext(auth.WithTokenID(ctx, adminTokenID)))
		})
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin(map[int64]bool{adminID: true}))
		h.Routes(r)
	})

	return &adminEnv{testEnv: env, tokens: tokens, cache: mr, router: r}
}

func (e *adminEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *adminEnv) lastAction(t *testing.T) *audit.AdminAction {
	t.Helper()
	if len(e.recorder.actions) == 0 {
		t.Fatal("Expected an admin action to be recorded")
	}
	return e.recorder.actions[len(e.recorder.actions)-1]
}

func TestAdmin_NonAdminForbidden(t *testing.T) {
	env := setupAdmin(t, 5)

	w := env.do("POST", "/admin/users/5/credit", `{"amount":1000}`)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
	if env.balance(t, 5) != 0 {
		t.Errorf("Expected balance untouched")
	}
}

func TestAdmin_Credit(t *testing.T) {
	env := setupAdmin(t, adminID)
	env.seed(t, 7, 100)

	w := env.do("POST", "/admin/users/7/credit", `{"amount":500}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["balance"] != float64(600) {
		t.Errorf("Expected balance 600, got %v", resp["balance"])
	}
	action := env.lastAction(t)
	if action.Action != audit.ActionAddTokens || action.AdminID != adminID || action.TargetUserID != 7 || action.Amount != 500 {
		t.Errorf("Unexpected action %+v", action)
	}
}

func TestAdmin_CreditInvalidAmount(t *testing.T) {
	env := setupAdmin(t, adminID)
	env.seed(t, 7, 100)

	w := env.do("POST", "/admin/users/7/credit", `{"amount":-10}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if env.balance(t, 7) != 100 {
		t.Errorf("Expected balance untouched, got %d", env.balance(t, 7))
	}
	if len(env.recorder.actions) != 0 {
		t.Errorf("Expected no action recorded")
	}
}

func TestAdmin_InvalidUserID(t *testing.T) {
	env := setupAdmin(t, adminID)

	w := env.do("POST", "/admin/users/abc/credit", `{"amount":10}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestAdmin_Withdraw(t *testing.T) {
	env := setupAdmin(t, adminID)
	env.seed(t, 7, 600)

	w := env.do("POST", "/admin/users/7/withdraw", `{"amount":500}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["balance"] != float64(100) {
		t.Errorf("Expected balance 100, got %v", resp["balance"])
	}
	if env.lastAction(t).Action != audit.ActionSubTokens {
		t.Errorf("Expected sub_tokens action")
	}

	w = env.do("POST", "/admin/users/7/withdraw", `{"amount":150}`)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", w.Code)
	}
	if env.balance(t, 7) != 100 {
		t.Errorf("Expected balance 100 after rejected withdrawal, got %d", env.balance(t, 7))
	}
	if len(env.recorder.actions) != 1 {
		t.Errorf("Expected rejected withdrawal not to be recorded")
	}
}

func TestAdmin_Zero(t *testing.T) {
	env := setupAdmin(t, adminID)
	env.seed(t, 7, 12345)

	w := env.do("POST", "/admin/users/7/zero", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if env.balance(t, 7) != 0 {
		t.Errorf("Expected balance 0, got %d", env.balance(t, 7))
	}
	if env.lastAction(t).Action != audit.ActionZeroBalance {
		t.Errorf("Expected zero_balance action")
	}
}

func TestAdmin_SetBalance(t *testing.T) {
	env := setupAdmin(t, adminID)

	w := env.do("POST", "/admin/users/7/balance", `{"balance":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative balance, got %d", w.Code)
	}
	w = env.do("POST", "/admin/users/7/balance", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing balance, got %d", w.Code)
	}

	w = env.do("POST", "/admin/users/7/balance", `{"balance":750,"note":"refund"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if env.balance(t, 7) != 750 {
		t.Errorf("Expected balance 750, got %d", env.balance(t, 7))
	}
	if a := env.lastAction(t); a.Action != audit.ActionSetBalance || a.Note != "refund" {
		t.Errorf("Unexpected action %+v", a)
	}
}

func TestAdmin_Payment(t *testing.T) {
	env := setupAdmin(t, adminID)

	w := env.do("POST", "/admin/payments", `{"user_id":8,"amount":1000,"reference":"inv-42"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if env.balance(t, 8) != 1000 {
		t.Errorf("Expected balance 1000, got %d", env.balance(t, 8))
	}
	if a := env.lastAction(t); a.Action != audit.ActionPaymentCredit || a.Note != "inv-42" {
		t.Errorf("Unexpected action %+v", a)
	}

	w = env.do("POST", "/admin/payments", `{"user_id":8,"amount":0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero payment, got %d", w.Code)
	}
}

func TestAdmin_PaymentRetryCreditsAgain(t *testing.T) {
	env := setupAdmin(t, adminID)
	body := `{"user_id":8,"amount":500,"reference":"inv-7"}`

	env.do("POST", "/admin/payments", body)
	w := env.do("POST", "/admin/payments", body)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if env.balance(t, 8) != 1000 {
		t.Errorf("Expected each delivery to be credited, got balance %d", env.balance(t, 8))
	}
}

func TestAdmin_ListAndSearchUsers(t *testing.T) {
	env := setupAdmin(t, adminID)
	ctx := context.Background()
	for _, p := range []account.Profile{
		{UserID: 1, Username: "alice"},
		{UserID: 2, Username: "bob", FirstName: "Robert"},
	} {
		if err := env.accounts.Register(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do("GET", "/admin/users", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if users := decode(t, w)["users"].([]any); len(users) != 2 {
		t.Errorf("Expected 2 users, got %d", len(users))
	}

	w = env.do("GET", "/admin/users?q=@rob", "")
	resp := decode(t, w)
	users := resp["users"].([]any)
	if len(users) != 1 || users[0].(map[string]any)["username"] != "bob" {
		t.Errorf("Expected bob, got %v", users)
	}
	if resp["query"] != "rob" {
		t.Errorf("Expected normalized query, got %v", resp["query"])
	}
}

func TestAdmin_GetUser(t *testing.T) {
	env := setupAdmin(t, adminID)
	if err := env.accounts.Register(context.Background(), account.Profile{UserID: 3, FirstName: "Ann", LastName: "Lee"}); err != nil {
		t.Fatal(err)
	}

	w := env.do("GET", "/admin/users/3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["display_name"] != "Ann Lee" {
		t.Errorf("Expected display name, got %v", resp["display_name"])
	}

	w = env.do("GET", "/admin/users/404", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestAdmin_IssueToken(t *testing.T) {
	env := setupAdmin(t, adminID)

	w := env.do("POST", "/admin/tokens", `{"user_id":9,"ttl_days":30}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	key, _ := resp["token"].(string)
	if !strings.HasPrefix(key, auth.TokenPrefix) || resp["scope"] != auth.DefaultScope {
		t.Errorf("Unexpected token response %v", resp)
	}
	if len(env.tokens.created) != 1 || env.tokens.created[0].TokenHash != auth.HashKey(key) {
		t.Errorf("Expected the token hash to be stored")
	}
	if env.lastAction(t).Action != audit.ActionIssueToken {
		t.Errorf("Expected issue_token action")
	}

	w = env.do("POST", "/admin/tokens", `{"user_id":9,"ttl_days":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestAdmin_RevokeToken(t *testing.T) {
	env := setupAdmin(t, adminID)
	w := env.do("POST", "/admin/tokens", `{"user_id":9}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	key := decode(t, w)["token"].(string)
	cacheKey := "auth:" + auth.HashKey(key)
	env.cache.Set(cacheKey, `{"id":"tok-1","user_id":9,"active":true}`)

	w = env.do("DELETE", "/admin/tokens/tok-1", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.tokens.revoked) != 1 || env.tokens.revoked[0] != "tok-1" {
		t.Errorf("Expected tok-1 revoked, got %v", env.tokens.revoked)
	}
	if env.cache.Exists(cacheKey) {
		t.Error("Expected revoked token to be evicted from the auth cache")
	}
	a := env.lastAction(t)
	if a.Action != audit.ActionRevokeToken || a.TargetUserID != 9 || a.Note != "tok-1" || a.AdminID != adminID {
		t.Errorf("Unexpected action %+v", a)
	}
}

func TestAdmin_RevokeToken_Unknown(t *testing.T) {
	env := setupAdmin(t, adminID)

	w := env.do("DELETE", "/admin/tokens/missing", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if len(env.recorder.actions) != 0 {
		t.Errorf("Expected no action recorded")
	}
}

func TestAdmin_RevokeToken_OwnToken(t *testing.T) {
	env := setupAdmin(t, adminID)

	w := env.do("DELETE", "/admin/tokens/"+adminTokenID, "")

	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
	if len(env.tokens.revoked) != 0 {
		t.Errorf("Expected nothing revoked")
	}
}
