package i18n

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // Fallback
		{"", language.English},      // Empty
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestCatalogTranslations(t *testing.T) {
	en := NewPrinter(MatchLanguage("en"))
	de := NewPrinter(MatchLanguage("de"))

	assert.Equal(t, "Authentication failed", en.Sprintf("Authentication failed"))
	assert.Equal(t, "Authentifizierung fehlgeschlagen", de.Sprintf("Authentication failed"))

	assert.Equal(t, "Unknown method: launch", en.Sprintf("Unknown method: %s", "launch"))
	assert.Equal(t, "Unbekannte Methode: launch", de.Sprintf("Unknown method: %s", "launch"))
}

func TestMiddleware(t *testing.T) {
	var translated string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrinter(r.Context())
		assert.NotNil(t, p)
		translated = p.Sprintf("Server is shutting down")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "de")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, "Der Server wird heruntergefahren", translated)
}

func TestGetPrinterFallback(t *testing.T) {
	p := GetPrinter(t.Context())
	assert.NotNil(t, p)
	assert.Equal(t, "Authentication failed", p.Sprintf("Authentication failed"))
}
