package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	stateflow "github.com/goliatone/go-stateflow"
)

// InlineCipher stores bank accounts as base64-wrapped JSON. This is
// obfuscation for local and staging databases, not encryption; production
// deployments supply a KMS-backed AccountDecryptor instead.
type InlineCipher struct{}

var _ AccountDecryptor = InlineCipher{}

// Seal encodes the account into the cipher format DecryptAccount reads back.
func (InlineCipher) Seal(acct BankAccount) string {
	payload, _ := json.Marshal(acct)
	return base64.StdEncoding.EncodeToString(payload)
}

func (InlineCipher) DecryptAccount(_ context.Context, cipher string) (BankAccount, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cipher))
	if err != nil {
		return BankAccount{}, stateflow.CloneError(stateflow.ErrSchema,
			"account cipher is not valid base64", err, nil)
	}
	var acct BankAccount
	if err := json.Unmarshal(raw, &acct); err != nil {
		return BankAccount{}, stateflow.CloneError(stateflow.ErrSchema,
			"account cipher payload is malformed", err, nil)
	}
	if strings.TrimSpace(acct.Number) == "" {
		return BankAccount{}, stateflow.CloneError(stateflow.ErrSchema,
			fmt.Sprintf("account cipher for holder %q carries no account number", acct.Holder), nil, nil)
	}
	return acct, nil
}
