package eventlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/atls-project/atls/atlserr"
)

// defaultAppCompose is the fixed base document DStack's launcher merges a
// user-supplied app-compose fragment into before committing its digest to
// the event log, per spec §4.6's "defaulted merge". Fields not present in
// the user fragment keep these values.
const defaultAppCompose = `{
	"manifest_version": 2,
	"runner": "docker-compose",
	"kms_enabled": true,
	"gateway_enabled": false,
	"public_logs": false,
	"public_sysinfo": true,
	"local_key_provider_enabled": false,
	"no_instance_id": false
}`

// MergeWithDefault overlays the fields present in userFragment onto
// defaultAppCompose, field by field (not deep-merged: a user value fully
// replaces the default value for that key), and returns the canonical JSON
// encoding of the result alongside its SHA-256 digest.
//
// Canonical means: object keys sorted, no insignificant whitespace — the
// same encoding DStack's launcher commits to RTMR3/the event log, so two
// equivalent documents always hash identically.
func MergeWithDefault(userFragment []byte) (merged []byte, digest [32]byte, err error) {
	base := map[string]any{}
	if jsonErr := json.Unmarshal([]byte(defaultAppCompose), &base); jsonErr != nil {
		return nil, digest, atlserr.Wrap(atlserr.AppComposeMismatch, jsonErr, "decoding built-in default app-compose base")
	}
	if len(userFragment) > 0 {
		var user map[string]any
		dec := json.NewDecoder(bytes.NewReader(userFragment))
		if jsonErr := dec.Decode(&user); jsonErr != nil {
			return nil, digest, atlserr.Wrap(atlserr.AppComposeMismatch, jsonErr, "decoding user app-compose fragment")
		}
		for k, v := range user {
			base[k] = v
		}
	}
	// encoding/json sorts map[string]any keys alphabetically and emits no
	// insignificant whitespace, which is exactly the canonical form DStack
	// commits to the event log.
	canon, jsonErr := json.Marshal(base)
	if jsonErr != nil {
		return nil, digest, atlserr.Wrap(atlserr.AppComposeMismatch, jsonErr, "canonicalizing merged app-compose")
	}
	return canon, sha256.Sum256(canon), nil
}

// AppComposeDigestHex canonicalizes and hashes userFragment, returning the
// lowercase hex digest DStack would have committed to the event log.
func AppComposeDigestHex(userFragment []byte) (string, error) {
	_, digest, err := MergeWithDefault(userFragment)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest[:]), nil
}
