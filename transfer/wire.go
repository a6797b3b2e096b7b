package transfer

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
	"time"

	stateflow "github.com/goliatone/go-stateflow"
)

// wireDateFormat is the batch-date layout on the settlement file, always UTC.
const wireDateFormat = "2006-01-02"

// File is the outbound settlement file rendered from a Pending batch message.
// Line order is deterministic so a rebuilt file is byte-stable.
type File struct {
	XMLName      xml.Name   `xml:"settlement-batch"`
	CreditSystem string     `xml:"credit-system,attr"`
	BatchDate    string     `xml:"batch-date,attr"`
	MessageID    string     `xml:"message-id,attr"`
	Lines        []FileLine `xml:"line"`
}

// FileLine is one aggregated settlement line. Amount is signed and rendered
// with two decimal places: positive deposits, negative withdrawals.
type FileLine struct {
	ID      string      `xml:"id,attr"`
	Amount  string      `xml:"amount,attr"`
	Account WireAccount `xml:"account"`
}

// WireAccount is the decrypted bank-account descriptor on a line.
type WireAccount struct {
	Holder  string `xml:"holder,attr"`
	Number  string `xml:"number,attr"`
	Routing string `xml:"routing,attr"`
}

// Encode writes the file as indented XML with a document header.
func (f *File) Encode(w io.Writer) error {
	if f == nil {
		return stateflow.CloneError(stateflow.ErrLogic, "settlement file required", nil, nil)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}

// Bytes renders the encoded file.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatWireDate(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(wireDateFormat)
}

// ResponseFile is the inbound reconciliation file. MessageID links it back to
// the batch message the counterparty is responding to.
type ResponseFile struct {
	XMLName   xml.Name       `xml:"settlement-response"`
	MessageID string         `xml:"message-id,attr"`
	Lines     []ResponseLine `xml:"line"`
}

// ResponseLine is one per-line settlement result.
type ResponseLine struct {
	ID           string         `xml:"id,attr"`
	Status       ResponseStatus `xml:"status,attr"`
	ResponseCode string         `xml:"response-code,attr,omitempty"`
	TraceCode    string         `xml:"trace-code,attr,omitempty"`
	Comments     string         `xml:"comments,omitempty"`
}

// DecodeResponseFile parses an inbound response file. A file that is not
// well-formed, or that lacks the batch-message linkage, is rejected with a
// schema error before any line is considered.
func DecodeResponseFile(r io.Reader) (*ResponseFile, error) {
	var file ResponseFile
	if err := xml.NewDecoder(r).Decode(&file); err != nil {
		return nil, stateflow.CloneError(stateflow.ErrSchema, "response file is not well-formed", err, nil)
	}
	if strings.TrimSpace(file.MessageID) == "" {
		return nil, stateflow.CloneError(stateflow.ErrSchema, "response file carries no batch-message id", nil, nil)
	}
	return &file, nil
}

// ParseResponseFile parses an inbound response file from a byte slice.
func ParseResponseFile(data []byte) (*ResponseFile, error) {
	return DecodeResponseFile(bytes.NewReader(data))
}
