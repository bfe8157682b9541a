package auth

// Claim types carried in access tokens.
const (
	ClaimSubject          = "sub"
	ClaimName             = "name"
	ClaimEmail            = "email"
	ClaimPhoneNumber      = "phone_number"
	ClaimBirthdate        = "birthdate"
	ClaimGivenName        = "given_name"
	ClaimFamilyName       = "family_name"
	ClaimSecurityStamp    = "security_stamp"
	ClaimConcurrencyStamp = "concurrency_stamp"
	ClaimRole             = "role"
)

// registered claims are owned by the signer and never copied from callers
var registered = map[string]struct{}{
	"iss": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
}

// Claim is one (type, value) pair. A type may appear more than once, e.g. role.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ClaimSet is the claim view of a user embedded in an access token.
type ClaimSet []Claim

// First returns the first value of type t.
func (c ClaimSet) First(t string) (string, bool) {
	for _, cl := range c {
		if cl.Type == t {
			return cl.Value, true
		}
	}
	return "", false
}

// All returns every value of type t in order.
func (c ClaimSet) All(t string) []string {
	var out []string
	for _, cl := range c {
		if cl.Type == t {
			out = append(out, cl.Value)
		}
	}
	return out
}

// Has reports whether the set holds the (t, v) pair.
func (c ClaimSet) Has(t, v string) bool {
	for _, cl := range c {
		if cl.Type == t && cl.Value == v {
			return true
		}
	}
	return false
}

// Subject returns the sub claim.
func (c ClaimSet) Subject() string {
	v, _ := c.First(ClaimSubject)
	return v
}
