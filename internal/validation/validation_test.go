package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ten_1", true},
		{"inv_0a1b2c", true},
		{"9f1c-aa", true},
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"semi;colon", false},
	}
	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"nul\x00byte", 20, "nulbyte"},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true},
		{"100", true},
		{"0.01", true},
		{"0", false},
		{"-5", false},
		{"1.001", false},
		{"abc", false},
	}
	for _, tc := range tests {
		err := PositiveAmount("amount", tc.value)()
		if (err == nil) != tc.ok {
			t.Errorf("PositiveAmount(%q) error = %v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestPercent(t *testing.T) {
	for _, v := range []string{"", "0", "12.5", "100"} {
		if err := Percent("discount", v)(); err != nil {
			t.Errorf("Percent(%q) unexpected error %v", v, err)
		}
	}
	for _, v := range []string{"100.01", "-1", "x"} {
		if err := Percent("discount", v)(); err == nil {
			t.Errorf("Percent(%q) expected error", v)
		}
	}
}

func TestDate(t *testing.T) {
	if err := Date("dueDate", "2026-01-31")(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := Date("dueDate", "31/01/2026")(); err == nil {
		t.Error("expected error for non-ISO date")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		MaxLength("reference", "abcdef", 3),
		Required("planId", "basico"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs.Error() != "name: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tenants/:id", IDParamMiddleware("id"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tenants/ten_1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: status %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tenants/bad%20id", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status %d", w.Code)
	}
}
