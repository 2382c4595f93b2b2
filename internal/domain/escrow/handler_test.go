package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/swiftline/escrow-api/internal/middleware"
	"github.com/swiftline/escrow-api/internal/pkg/jwt"
	"github.com/swiftline/escrow-api/internal/pkg/response"
)

// actingAs stands in for the bearer-token middleware
func actingAs(userID uuid.UUID, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithActor(r.Context(), userID, role)))
		})
	}
}

func call(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp response.Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandlerCreateAndPublicGet(t *testing.T) {
	h := newHarness(t)
	sellerRoutes := NewHandler(h.svc).Routes(actingAs(h.seller, jwt.RoleUser))

	w, resp := call(t, sellerRoutes, http.MethodPost, "/", map[string]interface{}{"item_name": "Sofa", "amount": 120000})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id := resp.Data.(map[string]interface{})["id"].(string)

	w, _ = call(t, sellerRoutes, http.MethodPost, "/", map[string]interface{}{"item_name": "Sofa", "amount": 0})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("create invalid: expected 422, got %d", w.Code)
	}

	denyAll := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { response.Unauthorized(w, "no token") })
	}
	public := NewHandler(h.svc).Routes(denyAll)
	w, resp = call(t, public, http.MethodGet, "/"+id, nil)
	if w.Code != http.StatusOK || resp.Data.(map[string]interface{})["status"] != "PENDING" {
		t.Fatalf("public get: expected PENDING, got %d: %s", w.Code, w.Body.String())
	}
	w, _ = call(t, public, http.MethodGet, "/TXN-NOPE", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
	w, _ = call(t, public, http.MethodPost, "/", map[string]interface{}{"item_name": "Sofa", "amount": 5})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("create must require auth, got %d", w.Code)
	}
}

func TestHandlerTransitionConflict(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, 5000)
	routes := NewHandler(h.svc).Routes(actingAs(h.seller, jwt.RoleUser))

	w, resp := call(t, routes, http.MethodPost, "/"+txn.ID+"/ship", nil)
	if w.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != "INVALID_STATE_TRANSITION" {
		t.Fatalf("expected 409 INVALID_STATE_TRANSITION, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerPayAndConfirm(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, 5000)
	buyerRoutes := NewHandler(h.svc).Routes(actingAs(h.buyer, jwt.RoleUser))

	w, _ := call(t, buyerRoutes, http.MethodPost, "/"+txn.ID+"/pay", map[string]string{"phone": "0712345678", "payment_method": "BITCOIN"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad method: expected 422, got %d", w.Code)
	}
	w, resp := call(t, buyerRoutes, http.MethodPost, "/"+txn.ID+"/pay", map[string]string{"phone": "0712345678", "payment_method": "MPESA"})
	if w.Code != http.StatusAccepted || resp.Data.(map[string]interface{})["status"] != "PROCESSING" {
		t.Fatalf("pay: expected 202 PROCESSING, got %d: %s", w.Code, w.Body.String())
	}

	if err := h.svc.HandleDebitResult(context.Background(), DebitResult{CheckoutRequestID: "ws_CO_" + txn.ID, Success: true, Amount: 5000}); err != nil {
		t.Fatalf("debit result: %v", err)
	}
	sellerRoutes := NewHandler(h.svc).Routes(actingAs(h.seller, jwt.RoleUser))
	if w, _ := call(t, sellerRoutes, http.MethodPost, "/"+txn.ID+"/ship", map[string]string{"carrier": "G4S"}); w.Code != http.StatusOK {
		t.Fatalf("ship: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w, resp = call(t, buyerRoutes, http.MethodPost, "/"+txn.ID+"/confirm", map[string]string{"code": "999999"})
	if w.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Details["remaining_attempts"] != "2" {
		t.Fatalf("wrong code: expected 400 with attempts, got %d: %s", w.Code, w.Body.String())
	}
	w, resp = call(t, buyerRoutes, http.MethodPost, "/"+txn.ID+"/confirm", map[string]string{"code": "123456"})
	if w.Code != http.StatusOK || resp.Data.(map[string]interface{})["status"] != "COMPLETED" {
		t.Fatalf("confirm: expected COMPLETED, got %d: %s", w.Code, w.Body.String())
	}

	w, resp = call(t, sellerRoutes, http.MethodGet, "/payouts", nil)
	if w.Code != http.StatusOK || resp.Meta == nil || resp.Meta.Total != 1 {
		t.Fatalf("payouts: expected one payout, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerConfirmPaymentRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, 5000)

	w, _ := call(t, NewHandler(h.svc).Routes(actingAs(h.seller, jwt.RoleUser)), http.MethodPost, "/"+txn.ID+"/confirm-payment", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", w.Code)
	}
	w, _ = call(t, NewHandler(h.svc).Routes(actingAs(uuid.New(), jwt.RoleAdmin)), http.MethodPost, "/"+txn.ID+"/confirm-payment", map[string]string{"reference": "BANK-77"})
	if w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
