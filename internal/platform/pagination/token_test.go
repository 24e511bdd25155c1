package pagination

import (
	"errors"
	"testing"
)

func TestEncodeDecodeTokenRoundTrip(t *testing.T) {
	cursor := Cursor{StartAfter: []string{"1714554000000000000", "ord-42"}}

	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(decoded.StartAfter) != 2 {
		t.Fatalf("expected 2 cursor values, got %d", len(decoded.StartAfter))
	}
	if decoded.StartAfter[0] != "1714554000000000000" || decoded.StartAfter[1] != "ord-42" {
		t.Fatalf("unexpected cursor values %v", decoded.StartAfter)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token for empty cursor, got %q", token)
	}
}

func TestDecodeTokenEmpty(t *testing.T) {
	cursor, err := DecodeToken("  ")
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(cursor.StartAfter) != 0 || len(cursor.StartAt) != 0 {
		t.Fatalf("expected empty cursor, got %+v", cursor)
	}
}

func TestDecodeTokenMalformed(t *testing.T) {
	for _, token := range []string{"not-base64!!", "bm90LWpzb24"} {
		if _, err := DecodeToken(token); !errors.Is(err, ErrInvalidPageToken) {
			t.Errorf("token %q: expected ErrInvalidPageToken, got %v", token, err)
		}
	}
}
