package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidAccount(t *testing.T) {
	tests := []struct {
		account string
		valid   bool
	}{
		{"A", true},
		{"alice", true},
		{"acct:merchant-01", true},
		{"user@example.org", true},
		{"0x1234567890123456789012345678901234567890", true},

		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"tab\tinside", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tc := range tests {
		if got := IsValidAccount(tc.account); got != tc.valid {
			t.Errorf("IsValidAccount(%q) = %v, want %v", tc.account, got, tc.valid)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	errs := Validate(
		ValidAccount("sender", ""),
		ValidAccount("receiver", "bad account"),
		PositiveAmount("amount", 0),
		MaxLength("conditions", "ok", 10),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "sender: is required" {
		t.Errorf("unexpected first error: %s", errs.Error())
	}
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		ValidAccount("sender", "A"),
		PositiveAmount("amount", 100),
		Required("reason", "dispute"),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestAccountParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts/:account", AccountParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/accounts/alice", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/accounts/-bad", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
