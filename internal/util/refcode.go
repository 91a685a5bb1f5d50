package util

import (
	"encoding/base32"
	"strings"

	"github.com/zeebo/blake3"
)

// refCodeLen is the length of generated referral codes.
const refCodeLen = 10

var refCodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ReferralCode derives a stable referral code from a user identifier.
// The same user always gets the same code, so codes can be re-derived
// without a lookup.
func ReferralCode(userID string) string {
	sum := blake3.Sum256([]byte("nerg-referral:" + userID))
	code := refCodeEncoding.EncodeToString(sum[:])
	code = strings.ToUpper(code)
	if len(code) > refCodeLen {
		code = code[:refCodeLen]
	}
	return code
}
