package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/storefront-app/api/internal/domain"
	"github.com/storefront-app/api/internal/platform/auth"
	"github.com/storefront-app/api/internal/platform/pagination"
	"github.com/storefront-app/api/internal/services"
)

func TestOrderHandlers_ListUsesCallerAndPagination(t *testing.T) {
	token, err := pagination.EncodeToken(pagination.Cursor{ID: "ORD-1"})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	var gotUID string
	var gotPage domain.Pagination
	orders := &stubOrderService{
		listUserFn: func(_ context.Context, uid string, page domain.Pagination) (domain.CursorPage[services.Order], error) {
			gotUID, gotPage = uid, page
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder("ORD-2", uid), sampleOrder("ORD-1", uid)},
				NextPageToken: "next",
			}, nil
		},
	}
	router := mountRoutes("/orders", NewOrderHandlers(nil, orders).Routes)

	req := httptest.NewRequest(http.MethodGet, "/orders?pageSize=500&pageToken="+token, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asUser(req, "uid-1"))

	expectStatus(t, rr, http.StatusOK)
	if gotUID != "uid-1" {
		t.Fatalf("expected caller uid, got %q", gotUID)
	}
	if gotPage.PageSize != pagination.DefaultMaxPageSize || gotPage.PageToken != token {
		t.Fatalf("unexpected pagination %#v", gotPage)
	}
	body := decodeJSON(t, rr)
	list, _ := body["orders"].([]any)
	if len(list) != 2 || body["nextPageToken"] != "next" {
		t.Fatalf("unexpected body %v", body)
	}
	first, _ := list[0].(map[string]any)
	if first["orderNumber"] != "ORD-2" {
		t.Fatalf("expected newest first, got %v", first["orderNumber"])
	}
}

func TestOrderHandlers_ListRejectsBadPageSize(t *testing.T) {
	router := mountRoutes("/orders", NewOrderHandlers(nil, &stubOrderService{}).Routes)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodGet, "/orders?pageSize=abc", nil), "uid-1"))
	expectErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestOrderHandlers_GetOrderAccess(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, orderNumber string) (services.Order, error) {
			if orderNumber == "ORD-missing" {
				return services.Order{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderNumber)
			}
			return sampleOrder(orderNumber, "owner"), nil
		},
	}
	router := mountRoutes("/orders", NewOrderHandlers(nil, orders).Routes)

	cases := []struct {
		name   string
		path   string
		uid    string
		roles  []string
		status int
	}{
		{"owner", "/orders/ORD-1", "owner", nil, http.StatusOK},
		{"admin", "/orders/ORD-1", "admin-1", []string{auth.RoleAdmin}, http.StatusOK},
		{"other customer", "/orders/ORD-1", "intruder", nil, http.StatusNotFound},
		{"unknown", "/orders/ORD-missing", "owner", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodGet, tc.path, nil), tc.uid, tc.roles...))
			expectStatus(t, rr, tc.status)
			if tc.status == http.StatusOK {
				body := decodeJSON(t, rr)
				amounts, _ := body["amounts"].(map[string]any)
				if body["orderNumber"] != "ORD-1" || amounts["total"] != 26.5 {
					t.Fatalf("unexpected order body %v", body)
				}
			}
		})
	}
}

func TestOrderHandlers_StoreUnavailable(t *testing.T) {
	orders := &stubOrderService{
		listUserFn: func(context.Context, string, domain.Pagination) (domain.CursorPage[services.Order], error) {
			return domain.CursorPage[services.Order]{}, fmt.Errorf("%w: deadline exceeded", services.ErrOrderUnavailable)
		},
	}
	router := mountRoutes("/orders", NewOrderHandlers(nil, orders).Routes)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asUser(httptest.NewRequest(http.MethodGet, "/orders", nil), "uid-1"))
	expectErrorCode(t, rr, http.StatusServiceUnavailable, "unavailable")
}
