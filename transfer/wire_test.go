package transfer

import (
	"strings"
	"testing"
	"time"

	stateflow "github.com/goliatone/go-stateflow"
)

func TestEncodeSettlementFile(t *testing.T) {
	file := &File{
		CreditSystem: "ACME-CREDIT",
		BatchDate:    "2026-03-01",
		MessageID:    "msg-1",
		Lines: []FileLine{
			{
				ID:     "COLL-9",
				Amount: "100.00",
				Account: WireAccount{
					Holder:  "Pat Doe",
					Number:  "000123",
					Routing: "021000021",
				},
			},
			{
				ID:     "T300",
				Amount: "-12.50",
				Account: WireAccount{
					Holder:  "Sam Roe",
					Number:  "000456",
					Routing: "021000021",
				},
			},
		},
	}

	want := `<?xml version="1.0" encoding="UTF-8"?>
<settlement-batch credit-system="ACME-CREDIT" batch-date="2026-03-01" message-id="msg-1">
  <line id="COLL-9" amount="100.00">
    <account holder="Pat Doe" number="000123" routing="021000021"></account>
  </line>
  <line id="T300" amount="-12.50">
    <account holder="Sam Roe" number="000456" routing="021000021"></account>
  </line>
</settlement-batch>`

	got, err := file.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(got) != want {
		t.Fatalf("unexpected encoding:\n%s", got)
	}

	again, err := file.Bytes()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(again) != string(got) {
		t.Fatal("encoding is not byte-stable")
	}
}

func TestDecodeResponseFile(t *testing.T) {
	input := `<?xml version="1.0" encoding="UTF-8"?>
<settlement-response message-id="msg-1">
  <line id="T100" status="Succeeded" response-code="OK"/>
  <line id="T200" status="Failed" response-code="R01" trace-code="TR-9">
    <comments>insufficient funds</comments>
  </line>
</settlement-response>`

	file, err := ParseResponseFile([]byte(input))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if file.MessageID != "msg-1" {
		t.Fatalf("expected message id msg-1, got %q", file.MessageID)
	}
	if len(file.Lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(file.Lines))
	}

	first := file.Lines[0]
	if first.ID != "T100" || first.Status != StatusSucceeded || first.ResponseCode != "OK" {
		t.Fatalf("unexpected first line: %+v", first)
	}
	second := file.Lines[1]
	if second.Status != StatusFailed || second.TraceCode != "TR-9" {
		t.Fatalf("unexpected second line: %+v", second)
	}
	if second.Comments != "insufficient funds" {
		t.Fatalf("comments not decoded: %q", second.Comments)
	}
}

func TestDecodeResponseFileRejectsMalformed(t *testing.T) {
	_, err := ParseResponseFile([]byte(`<settlement-response message-id="msg-1"><line`))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !stateflow.IsSchema(err) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestDecodeResponseFileRejectsWrongRoot(t *testing.T) {
	_, err := DecodeResponseFile(strings.NewReader(`<settlement-batch message-id="msg-1"></settlement-batch>`))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !stateflow.IsSchema(err) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestDecodeResponseFileRequiresMessageID(t *testing.T) {
	_, err := ParseResponseFile([]byte(`<settlement-response><line id="T100" status="Failed"/></settlement-response>`))
	if err == nil {
		t.Fatal("expected error for missing message id")
	}
	if !stateflow.IsSchema(err) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestFormatWireDate(t *testing.T) {
	if got := formatWireDate(time.Time{}); got != "" {
		t.Fatalf("expected empty date for zero time, got %q", got)
	}
	est := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, est)
	if got := formatWireDate(ts); got != "2026-03-02" {
		t.Fatalf("expected UTC date 2026-03-02, got %q", got)
	}
}
