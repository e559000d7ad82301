package service

import (
	"encoding/hex"
	"strconv"

	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"golang.org/x/crypto/blake2b"
)

// requestFingerprint identifies what a key was first used for so a reused
// key can be told apart from a retry.
func requestFingerprint(op domain.Operation, accountID string, amount int64) string {
	buf := make([]byte, 0, len(op)+len(accountID)+22)
	buf = append(buf, op...)
	buf = append(buf, 0)
	buf = append(buf, accountID...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, amount, 10)
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
