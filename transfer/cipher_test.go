package transfer

import (
	"context"
	"encoding/base64"
	"testing"

	stateflow "github.com/goliatone/go-stateflow"
)

func TestInlineCipherRoundTrip(t *testing.T) {
	cipher := InlineCipher{}
	want := BankAccount{Holder: "Pat Doe", Number: "000123", Routing: "021000021"}

	sealed := cipher.Seal(want)
	if sealed == "" {
		t.Fatal("sealed cipher is empty")
	}

	got, err := cipher.DecryptAccount(context.Background(), sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestInlineCipherRejectsGarbage(t *testing.T) {
	cipher := InlineCipher{}

	if _, err := cipher.DecryptAccount(context.Background(), "%%% not base64 %%%"); !stateflow.IsSchema(err) {
		t.Fatalf("non-base64 cipher: got %v, want schema error", err)
	}

	notJSON := base64.StdEncoding.EncodeToString([]byte("holder=Pat"))
	if _, err := cipher.DecryptAccount(context.Background(), notJSON); !stateflow.IsSchema(err) {
		t.Fatalf("non-json payload: got %v, want schema error", err)
	}

	empty := base64.StdEncoding.EncodeToString([]byte(`{"Holder":"Pat Doe"}`))
	if _, err := cipher.DecryptAccount(context.Background(), empty); !stateflow.IsSchema(err) {
		t.Fatalf("missing account number: got %v, want schema error", err)
	}
}
