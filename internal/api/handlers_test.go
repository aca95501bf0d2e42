package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
	"golang.org/x/crypto/bcrypt"
)

const testAPIKey = "internal-test-key"

type testServer struct {
	t       *testing.T
	handler http.Handler
	repo    *store.MemoryRepository
	engine  *app.Engine
	adapter *app.GatewayAdapter
}

func newTestServer(t *testing.T, cfg app.EngineConfig, rateLimit int) *testServer {
	t.Helper()
	repo := store.NewMemoryRepository()
	engine := app.NewEngine(repo, cfg, nil)
	auth := app.NewAuthService(repo, "test-secret", time.Hour, "IDR")
	adapter := app.NewGatewayAdapter(repo, engine, "SB-Mid-server-test")

	h := NewHandlers(engine, auth, adapter, HealthCheck{Name: "store", Critical: true, Check: repo.Ping}, HealthCheck{Name: "broker"}, HealthCheck{Name: "payment_gateway"})
	router := NewRouter(h, RouterOptions{
		InternalAPIKey:     testAPIKey,
		RateLimiter:        app.NewMemoryRateLimiter(),
		RateLimitPerMinute: rateLimit,
		Verifier:           auth,
	})
	return &testServer{t: t, handler: router, repo: repo, engine: engine, adapter: adapter}
}

func defaultEngineConfig() app.EngineConfig {
	return app.EngineConfig{
		MinAmount:            10000,
		MaxAmount:            10000000,
		AutoApproveThreshold: 100000,
		FeeBPS:               250,
		DefaultCurrency:      "IDR",
		PendingExpiry:        24 * time.Hour,
	}
}

func (s *testServer) do(method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

// register signs up a user and returns the token and the user's account.
func (s *testServer) register(email string) (string, domain.Account) {
	s.t.Helper()
	rr := s.do(http.MethodPost, "/register", "", domain.RegisterRequest{
		Name: "Test User", Email: email, Password: "password123",
	}, nil)
	if rr.Code != http.StatusCreated {
		s.t.Fatalf("expected 201 from register, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.AuthResponse
	decodeBody(s.t, rr, &resp)
	accounts, err := s.repo.FindAccountsByUserID(context.Background(), resp.User.ID)
	if err != nil || len(accounts) != 1 {
		s.t.Fatalf("expected one account, got %d (err %v)", len(accounts), err)
	}
	return resp.Token, accounts[0]
}

// admin seeds an administrator and logs them in.
func (s *testServer) admin() string {
	s.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("adminpass123"), bcrypt.MinCost)
	if err != nil {
		s.t.Fatalf("hash password: %v", err)
	}
	user := &domain.User{ID: uuid.New(), Name: "Admin", Email: "admin@example.com", PasswordHash: string(hash), Role: domain.RoleAdmin, Status: domain.UserActive}
	account := &domain.Account{ID: uuid.New(), UserID: user.ID, Currency: "IDR", Status: domain.AccountActive}
	if err := s.repo.CreateUserWithAccount(context.Background(), user, account); err != nil {
		s.t.Fatalf("seed admin: %v", err)
	}

	rr := s.do(http.MethodPost, "/login", "", domain.LoginRequest{Email: "admin@example.com", Password: "adminpass123"}, nil)
	if rr.Code != http.StatusOK {
		s.t.Fatalf("expected 200 from admin login, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.AuthResponse
	decodeBody(s.t, rr, &resp)
	return resp.Token
}

func TestRegisterLoginVerifyFlow(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, _ := s.register("Alice@Example.com")

	rr := s.do(http.MethodGet, "/verify", token, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from verify, got %d", rr.Code)
	}
	var verify struct {
		Valid     bool             `json:"valid"`
		Principal domain.Principal `json:"principal"`
	}
	decodeBody(t, rr, &verify)
	if !verify.Valid || verify.Principal.Email != "alice@example.com" {
		t.Fatalf("expected valid principal for alice@example.com, got %+v", verify)
	}

	if rr := s.do(http.MethodPost, "/login", "", domain.LoginRequest{Email: "alice@example.com", Password: "wrong-password"}, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, "/register", "", domain.RegisterRequest{Name: "Again", Email: "alice@example.com", Password: "password123"}, nil); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", rr.Code)
	}

	if rr := s.do(http.MethodPost, "/logout", token, nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from logout, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/verify", token, nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestRegisterValidationReturns422(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	rr := s.do(http.MethodPost, "/register", "", domain.RegisterRequest{Name: "Bob", Email: "not-an-email", Password: "password123"}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rr := s.do(http.MethodGet, "/transactions", "", nil, headers)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestTopupApprovalOverHTTP(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("carol@example.com")
	adminToken := s.admin()

	rr := s.do(http.MethodPost, "/transactions/topup", token, map[string]interface{}{
		"amount": 200000, "to_account_id": account.ID,
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var tx domain.Transaction
	decodeBody(t, rr, &tx)
	if tx.Status != domain.StatusPending || tx.Fee != 5000 || tx.Type != domain.TransactionTypeTopup {
		t.Fatalf("expected pending topup with fee 5000, got status=%s fee=%d type=%s", tx.Status, tx.Fee, tx.Type)
	}

	approvePath := "/transactions/" + tx.ID.String() + "/approve"
	if rr := s.do(http.MethodPost, approvePath, token, nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin approval, got %d", rr.Code)
	}

	rr = s.do(http.MethodPost, approvePath, adminToken, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from approve, got %d: %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &tx)
	if tx.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", tx.Status)
	}

	rr = s.do(http.MethodPost, approvePath, adminToken, nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second approval, got %d", rr.Code)
	}

	rr = s.do(http.MethodGet, "/user/balance", token, nil, nil)
	var balances struct {
		Data []domain.AccountBalance `json:"data"`
	}
	decodeBody(t, rr, &balances)
	if len(balances.Data) != 1 || balances.Data[0].AvailableBalance != 200000 {
		t.Fatalf("expected available balance 200000, got %+v", balances.Data)
	}

	rr = s.do(http.MethodGet, "/transactions/reference/"+tx.Reference, token, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from reference lookup, got %d", rr.Code)
	}
}

func TestCreateTransactionErrorsMapToStatusCodes(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("dave@example.com")

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"malformed json", "/transactions", []byte(`{"amount":`), http.StatusBadRequest},
		{"unknown type", "/transactions", map[string]interface{}{"type": "gift", "amount": 20000}, http.StatusUnprocessableEntity},
		{"below minimum", "/transactions/topup", map[string]interface{}{"amount": 5, "to_account_id": account.ID}, http.StatusUnprocessableEntity},
		{"insufficient funds", "/transactions/withdrawal", map[string]interface{}{"amount": 20000, "from_account_id": account.ID}, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, tt.path, token, tt.body, nil)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("erin@example.com")
	body := map[string]interface{}{"amount": 50000, "to_account_id": account.ID}
	headers := map[string]string{"Idempotency-Key": "topup-1"}

	first := s.do(http.MethodPost, "/transactions/topup", token, body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := s.do(http.MethodPost, "/transactions/topup", token, body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", second.Code)
	}
	var a, b domain.Transaction
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a.ID != b.ID {
		t.Fatalf("expected replay to return %s, got %s", a.ID, b.ID)
	}

	body["amount"] = 60000
	if rr := s.do(http.MethodPost, "/transactions/topup", token, body, headers); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", rr.Code)
	}
}

func TestListTransactionsFiltersAndValidation(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("frank@example.com")
	for i := 0; i < 3; i++ {
		rr := s.do(http.MethodPost, "/transactions/topup", token, map[string]interface{}{"amount": 20000, "to_account_id": account.ID}, nil)
		if rr.Code != http.StatusCreated {
			t.Fatalf("seed topup: %d", rr.Code)
		}
	}

	rr := s.do(http.MethodGet, "/transactions?status=completed&limit=2", token, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var page domain.TransactionPage
	decodeBody(t, rr, &page)
	if page.Total != 3 || len(page.Data) != 2 || page.Limit != 2 {
		t.Fatalf("expected 2 of 3 completed transactions, got total=%d len=%d limit=%d", page.Total, len(page.Data), page.Limit)
	}

	for _, query := range []string{"status=bogus", "type=gift", "date_from=yesterday", "limit=-1"} {
		if rr := s.do(http.MethodGet, "/transactions?"+query, token, nil, nil); rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422 for %s, got %d", query, rr.Code)
		}
	}
}

func TestGetTransactionOfAnotherUserIsNotFound(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	ownerToken, account := s.register("gina@example.com")
	otherToken, _ := s.register("hank@example.com")

	rr := s.do(http.MethodPost, "/transactions/topup", ownerToken, map[string]interface{}{"amount": 20000, "to_account_id": account.ID}, nil)
	var tx domain.Transaction
	decodeBody(t, rr, &tx)

	if rr := s.do(http.MethodGet, "/transactions/"+tx.ID.String(), otherToken, nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign transaction, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/transactions/not-a-uuid", ownerToken, nil, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rr.Code)
	}
}

func TestCancelPendingTransaction(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("ivy@example.com")

	rr := s.do(http.MethodPost, "/transactions/topup", token, map[string]interface{}{"amount": 300000, "to_account_id": account.ID}, nil)
	var tx domain.Transaction
	decodeBody(t, rr, &tx)

	rr = s.do(http.MethodPost, "/transactions/"+tx.ID.String()+"/cancel", token, domain.ReviewRequest{Reason: "changed my mind"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &tx)
	if tx.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", tx.Status)
	}
}

func TestMaintenanceModeReturns503(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.MaintenanceMode = true
	s := newTestServer(t, cfg, 0)
	token, account := s.register("jack@example.com")

	rr := s.do(http.MethodPost, "/transactions/topup", token, map[string]interface{}{"amount": 20000, "to_account_id": account.ID}, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/transactions", token, nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected reads to keep working, got %d", rr.Code)
	}
}

func TestPaymentGatewayWebhook(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("kate@example.com")

	rr := s.do(http.MethodPost, "/transactions/topup", token, map[string]interface{}{
		"amount": 100000, "to_account_id": account.ID, "payment_method": "bank_transfer",
	}, nil)
	var tx domain.Transaction
	decodeBody(t, rr, &tx)
	if tx.Status != domain.StatusProcessing {
		t.Fatalf("expected processing gateway topup, got %s", tx.Status)
	}

	n := domain.GatewayNotification{OrderID: tx.Reference, StatusCode: "200", GrossAmount: "102500.00", TransactionStatus: "settlement"}
	n.SignatureKey = "bad"
	if rr := s.do(http.MethodPost, "/webhooks/payment-gateway", "", n, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rr.Code)
	}

	n.SignatureKey = s.adapter.Signature(n.OrderID, n.StatusCode, n.GrossAmount)
	rr = s.do(http.MethodPost, "/webhooks/payment-gateway", "", n, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Changed           bool   `json:"changed"`
		TransactionStatus string `json:"transaction_status"`
	}
	decodeBody(t, rr, &resp)
	if !resp.Changed || resp.TransactionStatus != string(domain.StatusCompleted) {
		t.Fatalf("expected completed change, got %+v", resp)
	}

	// Duplicate delivery is acknowledged without another credit.
	rr = s.do(http.MethodPost, "/webhooks/payment-gateway", "", n, nil)
	decodeBody(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Changed {
		t.Fatalf("expected idempotent 200, got %d changed=%v", rr.Code, resp.Changed)
	}
	acc, _ := s.repo.FindAccountByID(context.Background(), account.ID)
	if acc.Balance != 100000 {
		t.Fatalf("expected balance 100000, got %d", acc.Balance)
	}
}

func TestPaymentGatewayWebhookUnknownOrder(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)

	n := domain.GatewayNotification{OrderID: "TXN-DOESNOTEXIST", StatusCode: "200", GrossAmount: "50000.00", TransactionStatus: "settlement"}
	n.SignatureKey = s.adapter.Signature(n.OrderID, n.StatusCode, n.GrossAmount)
	rr := s.do(http.MethodPost, "/webhooks/payment-gateway", "", n, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d: %s", rr.Code, rr.Body.String())
	}

	callbacks, err := s.repo.ListPaymentCallbacks(context.Background(), domain.CallbackFilter{OrderID: n.OrderID})
	if err != nil {
		t.Fatalf("list callbacks: %v", err)
	}
	if len(callbacks) != 1 {
		t.Fatalf("expected the callback to be kept, got %d rows", len(callbacks))
	}
	if !callbacks[0].Verified || callbacks[0].TransactionID != nil {
		t.Fatalf("expected a verified callback without a transaction, got %+v", callbacks[0])
	}
}

func TestInternalStatusWebhookRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("liam@example.com")
	rr := s.do(http.MethodPost, "/transactions/topup", token, map[string]interface{}{"amount": 150000, "to_account_id": account.ID}, nil)
	var tx domain.Transaction
	decodeBody(t, rr, &tx)

	update := domain.InternalStatusUpdate{Reference: tx.Reference, Status: "approved"}
	if rr := s.do(http.MethodPost, "/webhooks/internal/status", "", update, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, "/webhooks/internal/status", "", update, map[string]string{"X-API-Key": "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rr.Code)
	}

	rr = s.do(http.MethodPost, "/webhooks/internal/status", "", update, map[string]string{"X-API-Key": testAPIKey})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	current, _ := s.repo.FindTransactionByID(context.Background(), tx.ID)
	if current.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", current.Status)
	}

	bad := domain.InternalStatusUpdate{Reference: tx.Reference, Status: "teleported"}
	if rr := s.do(http.MethodPost, "/webhooks/internal/status", "", bad, map[string]string{"X-API-Key": testAPIKey}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown status, got %d", rr.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	token, account := s.register("mia@example.com")
	adminToken := s.admin()
	base := "/admin/accounts/" + account.ID.String()

	if rr := s.do(http.MethodPost, base+"/adjustments", token, domain.BalanceAdjustmentRequest{Amount: 1000, Reason: "x"}, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, base+"/adjustments", adminToken, domain.BalanceAdjustmentRequest{Amount: 1000}, nil); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without reason, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, base+"/adjustments", adminToken, domain.BalanceAdjustmentRequest{Amount: 9223372036854775807, Reason: "typo"}, nil); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 above the maximum amount, got %d", rr.Code)
	}

	rr := s.do(http.MethodPost, base+"/adjustments", adminToken, domain.BalanceAdjustmentRequest{Amount: 75000, Reason: "goodwill credit"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var acc domain.Account
	decodeBody(t, rr, &acc)
	if acc.Balance != 75000 {
		t.Fatalf("expected balance 75000, got %d", acc.Balance)
	}

	rr = s.do(http.MethodGet, base+"/entries", adminToken, nil, nil)
	var entries struct {
		Data []domain.LedgerEntry `json:"data"`
	}
	decodeBody(t, rr, &entries)
	if rr.Code != http.StatusOK || len(entries.Data) != 1 {
		t.Fatalf("expected one ledger entry, got %d entries (status %d)", len(entries.Data), rr.Code)
	}

	rr = s.do(http.MethodGet, "/admin/callbacks", adminToken, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from callbacks, got %d", rr.Code)
	}
	if rr := s.do(http.MethodPost, "/admin/callbacks/"+uuid.NewString()+"/replay", adminToken, nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown callback, got %d", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, defaultEngineConfig(), 0)
	rr := s.do(http.MethodGet, "/health", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}
	decodeBody(t, rr, &resp)
	if resp.Status != "healthy" || resp.Data["store"] != "ok" || resp.Data["broker"] != "disabled" || resp.Data["payment_gateway"] != "disabled" {
		t.Fatalf("unexpected health response %+v", resp)
	}

	h := NewHandlers(nil, nil, nil,
		HealthCheck{Name: "store", Critical: true, Check: func(context.Context) error { return errors.New("down") }},
	)
	rr = httptest.NewRecorder()
	h.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is down, got %d", rr.Code)
	}

	h = NewHandlers(nil, nil, nil,
		HealthCheck{Name: "rate_limiter", Check: func(context.Context) error { return errors.New("down") }},
	)
	rr = httptest.NewRecorder()
	h.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	decodeBody(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Status != "degraded" {
		t.Fatalf("expected degraded 200, got %d %s", rr.Code, resp.Status)
	}

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	client := gatewayclient.NewClient(gateway.URL, gateway.URL, "server-key")
	h = NewHandlers(nil, nil, nil,
		HealthCheck{Name: "store", Critical: true, Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "payment_gateway", Check: client.Ping},
	)
	rr = httptest.NewRecorder()
	h.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	resp.Data = nil
	decodeBody(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Status != "healthy" || resp.Data["payment_gateway"] != "ok" {
		t.Fatalf("expected reachable gateway, got %d %+v", rr.Code, resp)
	}

	gateway.Close()
	rr = httptest.NewRecorder()
	h.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	resp.Data = nil
	decodeBody(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Status != "degraded" || resp.Data["payment_gateway"] == "ok" {
		t.Fatalf("expected degraded 200 with the gateway down, got %d %+v", rr.Code, resp)
	}
}

func TestParseDateParam(t *testing.T) {
	end, err := parseDateParam("2024-03-01", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2024, 3, 1, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC); !end.Equal(want) {
		t.Fatalf("expected %s, got %s", want, end)
	}
	start, _ := parseDateParam("2024-03-01", false)
	if !start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected start of day, got %s", start)
	}
	if ts, err := parseDateParam("2024-03-01T10:00:00+07:00", true); err != nil || ts.Hour() != 10 {
		t.Fatalf("expected RFC 3339 timestamp kept as is, got %v %v", ts, err)
	}
	if none, err := parseDateParam(" ", false); none != nil || err != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestMapServiceErrorBalanceOverflow(t *testing.T) {
	if status, _ := mapServiceError(store.ErrBalanceOverflow); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
}
