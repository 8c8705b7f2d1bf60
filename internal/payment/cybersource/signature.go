package cybersource

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"slices"
	"strings"
)

const separator = ","

// sign computes the Base64 HMAC-SHA256 of "key=value" pairs listed in the
// signed_field_names parameter, joined in that order.
func sign(secret string, get func(string) string) string {
	names := strings.Split(get(fieldSignedFieldNames), separator)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+get(name))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, separator)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verify compares the signature carried in params in constant time.
func verify(secret string, params map[string]string) bool {
	got := params[fieldSignature]
	if got == "" || params[fieldSignedFieldNames] == "" {
		return false
	}
	want := sign(secret, func(k string) string { return params[k] })
	return hmac.Equal([]byte(want), []byte(got))
}

// unsigned returns the first of keys that is present in params but not
// covered by signed_field_names.
func unsigned(params map[string]string, keys ...string) (string, bool) {
	signed := strings.Split(params[fieldSignedFieldNames], separator)
	for _, key := range keys {
		if _, ok := params[key]; ok && !slices.Contains(signed, key) {
			return key, true
		}
	}
	return "", false
}
