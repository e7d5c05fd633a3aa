package client

import (
	"io"
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
)

func testRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if !access.RequirePermission(w, r, access.EditSettings) {
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Test", r.Header.Get("X-Test"))
		if len(body) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(body)
	}).Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch)
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
	router.HandleFunc("/conflict", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"current":true}`))
	})
	return router
}

func TestClient(t *testing.T) {
	c := NewWithRouter(testRouter()).WithAdminAuthorization()

	var result map[string]interface{}
	if status, err := c.RawPost("/echo", map[string]string{"hello": "world"}, &result); err != nil || status != http.StatusOK {
		t.Fatal("post failed:", status, err)
	}
	if result["hello"] != "world" {
		t.Fatal("unexpected result:", result)
	}

	var raw []byte
	if _, err := c.RawPut("/echo", []byte(`"raw"`), &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"raw"` {
		t.Fatal("unexpected raw result:", string(raw))
	}

	if status, err := c.RawGet("/echo", nil); err != nil || status != http.StatusNoContent {
		t.Fatal("get failed:", status, err)
	}
	if _, err := c.RawDelete("/echo"); err != nil {
		t.Fatal(err)
	}
	if status, _ := c.RawPatch("/missing", map[string]int{}, nil); status != http.StatusNotFound {
		t.Fatal("expected not found, got", status)
	}
}

func TestClient_Headers(t *testing.T) {
	base := NewWithRouter(testRouter()).WithRole(access.RoleAdmin)
	c := base.WithHeader("X-Test", "yes")
	_, header, err := c.RawGetWithHeader("/echo", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if header.Get("X-Test") != "yes" {
		t.Fatal("default header not sent")
	}
	_, header, _ = base.RawGetWithHeader("/echo", nil, nil)
	if header.Get("X-Test") != "" {
		t.Fatal("WithHeader must not modify the original client")
	}
}

func TestClient_Authorization(t *testing.T) {
	router := testRouter()
	if status, _ := NewWithRouter(router).RawGet("/echo", nil); status != http.StatusUnauthorized {
		t.Fatal("expected unauthorized, got", status)
	}
	if status, _ := NewWithRouter(router).WithRole(access.RoleReadOnly).RawGet("/echo", nil); status != http.StatusForbidden {
		t.Fatal("expected forbidden, got", status)
	}
}

func TestClient_Conflict(t *testing.T) {
	c := NewWithRouter(testRouter())
	var current map[string]bool
	status, err := c.RawPut("/conflict", map[string]int{"x": 1}, &current)
	if status != http.StatusConflict || err == nil {
		t.Fatal("expected conflict, got", status, err)
	}
	if !current["current"] {
		t.Fatal("conflicting object not returned")
	}
}
