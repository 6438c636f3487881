package product

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"storegate/internal/auth"
)

func authedRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	identity := auth.Identity{UserID: "user-1", TenantID: "tenant-1", Email: "owner@example.com", Role: "owner", Plan: "free"}
	return req.WithContext(auth.WithIdentity(context.Background(), identity))
}

func TestCreateProductRequiresIdentity(t *testing.T) {
	handler := NewHandler(nil)

	req := httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(`{"title":"Mug"}`))
	rec := httptest.NewRecorder()
	handler.CreateProduct(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateProductValidation(t *testing.T) {
	handler := NewHandler(nil)

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{"title":`},
		{"unknown field", `{"title":"Mug","sku":"X1"}`},
		{"empty title", `{"title":"   "}`},
		{"title too long", `{"title":"` + strings.Repeat("x", 201) + `"}`},
		{"negative price", `{"title":"Mug","price_cents":-1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.CreateProduct(rec, authedRequest(http.MethodPost, "/products", tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDeleteProductRejectsMalformedID(t *testing.T) {
	handler := NewHandler(nil)

	req := authedRequest(http.MethodDelete, "/products/not-a-uuid", "")
	req.SetPathValue("id", "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.DeleteProduct(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
