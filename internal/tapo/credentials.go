package tapo

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Credentials is a plaintext username/password pair. Both fields must be
// non-empty; Validate reports ErrInvalidCredentials otherwise.
type Credentials struct {
	Username string
	Password string
}

// Validate checks that both fields are present.
func (c Credentials) Validate() error {
	if c.Username == "" || c.Password == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// String redacts the password so Credentials is safe to pass to a logger
// or include in an error message.
func (c Credentials) String() string {
	return fmt.Sprintf("{Username:%s Password:[REDACTED]}", c.Username)
}

// CredentialsHash is an opaque pre-hashed credential, base64-encoded. For
// KLAP it decodes to a raw 16- or 32-byte auth hash; for AES it decodes to
// a JSON object carrying username/password(2). An empty CredentialsHash is
// invalid and rejected by Validate.
type CredentialsHash string

func (h CredentialsHash) Validate() error {
	if h == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// String never renders the underlying hash.
func (h CredentialsHash) String() string {
	return "[REDACTED]"
}

// MergedCredentialView is the credential material actually used for a
// device, derived once per device: device-level overrides win over client
// defaults. credentialsHash, when present, takes precedence over
// Credentials everywhere a candidate list is built.
type MergedCredentialView struct {
	Credentials     Credentials
	CredentialsHash CredentialsHash
}

// String redacts password and credentialsHash so logging a credential
// view never leaks secrets; username is preserved for diagnostics.
func (v MergedCredentialView) String() string {
	hash := "<none>"
	if v.CredentialsHash != "" {
		hash = "[REDACTED]"
	}
	return fmt.Sprintf("{Username:%s Password:[REDACTED] CredentialsHash:%s}", v.Credentials.Username, hash)
}

// mergeCredentials implements "device-level overrides > client defaults".
func mergeCredentials(clientDefault, deviceOverride MergedCredentialView) MergedCredentialView {
	merged := clientDefault
	if deviceOverride.Credentials.Username != "" || deviceOverride.Credentials.Password != "" {
		merged.Credentials = deviceOverride.Credentials
	}
	if deviceOverride.CredentialsHash != "" {
		merged.CredentialsHash = deviceOverride.CredentialsHash
	}
	return merged
}

// klapVersion distinguishes the two KLAP auth-hash derivations.
type klapVersion int

const (
	klapV2 klapVersion = iota
	klapV1
)

// authCandidate is one credential/hash variant tried during a KLAP
// handshake. Candidates are tried in order; the first whose computed
// challenge equals the server's hash wins.
type authCandidate struct {
	label    string
	version  klapVersion
	authHash []byte
}

func (c authCandidate) key() string {
	return fmt.Sprintf("%d:%x", c.version, c.authHash)
}

// authHashV1 = MD5(MD5(username) || MD5(password))
func authHashV1(username, password string) []byte {
	return md5Sum(md5Sum([]byte(username)), md5Sum([]byte(password)))
}

// authHashV2 = SHA256(SHA1(username) || SHA1(password))
func authHashV2(username, password string) []byte {
	return sha256Sum(sha1Sum([]byte(username)), sha1Sum([]byte(password)))
}

// klapCandidates builds the deduplicated, ordered candidate list: user hash
// (v2,v1), user credentials (v2,v1), KASA defaults (v2,v1), TAPO defaults
// (v2,v1), blank (v2,v1).
func klapCandidates(view MergedCredentialView) ([]authCandidate, error) {
	var out []authCandidate
	seen := make(map[string]bool)

	add := func(label string, version klapVersion, hash []byte) {
		c := authCandidate{label: label, version: version, authHash: hash}
		k := c.key()
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, c)
	}

	if view.CredentialsHash != "" {
		raw, err := base64.StdEncoding.DecodeString(string(view.CredentialsHash))
		if err != nil {
			return nil, fmt.Errorf("%w: credentialsHash is not valid base64", ErrInvalidCredentials)
		}
		switch len(raw) {
		case 32:
			add("user hash", klapV2, raw)
		case 16:
			add("user hash", klapV1, raw)
		default:
			return nil, fmt.Errorf("%w: credentialsHash has unexpected length %d", ErrInvalidCredentials, len(raw))
		}
	}

	user := view.Credentials
	if user.Username != "" || user.Password != "" {
		add("user credentials", klapV2, authHashV2(user.Username, user.Password))
		add("user credentials", klapV1, authHashV1(user.Username, user.Password))
	}

	add("kasa default", klapV2, authHashV2("kasa@tp-link.net", "kasaSetup"))
	add("kasa default", klapV1, authHashV1("kasa@tp-link.net", "kasaSetup"))

	add("tapo default", klapV2, authHashV2("admin@tapo.com", "admin"))
	add("tapo default", klapV1, authHashV1("admin@tapo.com", "admin"))

	add("blank", klapV2, authHashV2("", ""))
	add("blank", klapV1, authHashV1("", ""))

	return out, nil
}

// loginCandidate is one login parameter set tried against login_device.
type loginCandidate struct {
	label  string
	params map[string]string
}

// aesUsername base64-encodes the hex-rendered SHA1 of username, the
// encoding both login-param variants share.
func aesUsername(username string) string {
	sum := sha1Sum([]byte(username))
	hexStr := fmt.Sprintf("%x", sum)
	return base64.StdEncoding.EncodeToString([]byte(hexStr))
}

// aesPasswordV2 = base64(hex(sha1(password))) -> params["password2"]
func aesPasswordV2(password string) string {
	sum := sha1Sum([]byte(password))
	hexStr := fmt.Sprintf("%x", sum)
	return base64.StdEncoding.EncodeToString([]byte(hexStr))
}

// aesPasswordV1 = base64(password) -> params["password"]
func aesPasswordV1(password string) string {
	return base64.StdEncoding.EncodeToString([]byte(password))
}

// aesLoginCandidates builds the ordered login-candidate list: explicit
// credentialsHash; user credentials v2; user credentials v1; default-TAPO
// v2; default-TAPO v1.
func aesLoginCandidates(view MergedCredentialView) ([]loginCandidate, error) {
	var out []loginCandidate

	if view.CredentialsHash != "" {
		raw, err := base64.StdEncoding.DecodeString(string(view.CredentialsHash))
		if err != nil {
			return nil, fmt.Errorf("%w: credentialsHash is not valid base64", ErrInvalidCredentials)
		}
		var obj map[string]string
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: credentialsHash does not decode to JSON", ErrInvalidCredentials)
		}
		if obj["username"] == "" || (obj["password"] == "" && obj["password2"] == "") {
			return nil, fmt.Errorf("%w: credentialsHash JSON missing username/password", ErrInvalidCredentials)
		}
		out = append(out, loginCandidate{label: "credentialsHash", params: obj})
	}

	user := view.Credentials
	if user.Username != "" || user.Password != "" {
		out = append(out, loginCandidate{
			label: "user credentials v2",
			params: map[string]string{
				"username":  aesUsername(user.Username),
				"password2": aesPasswordV2(user.Password),
			},
		})
		out = append(out, loginCandidate{
			label: "user credentials v1",
			params: map[string]string{
				"username": aesUsername(user.Username),
				"password": aesPasswordV1(user.Password),
			},
		})
	}

	out = append(out, loginCandidate{
		label: "default-TAPO v2",
		params: map[string]string{
			"username":  aesUsername("admin@tapo.com"),
			"password2": aesPasswordV2("admin"),
		},
	})
	out = append(out, loginCandidate{
		label: "default-TAPO v1",
		params: map[string]string{
			"username": aesUsername("admin@tapo.com"),
			"password": aesPasswordV1("admin"),
		},
	})

	return out, nil
}

// newTerminalUUID returns a process-scoped random 16 bytes, base64-encoded,
// stable for a device instance's lifetime. Devices expect the raw 16 bytes
// of a UUID base64-encoded, not its canonical hyphenated string form, so
// only uuid.NewRandom()'s byte array is reused here.
func newTerminalUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("terminal uuid: %w", err)
	}
	raw := [16]byte(id)
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}
