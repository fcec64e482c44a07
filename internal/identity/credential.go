package identity

import "fmt"

const redacted = "[REDACTED]"

// Credential is a resolved secret. It is fetched per event and must never be
// logged; String and Format hide the secret.
type Credential struct {
	Username string
	Secret   string
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %s, Secret: %s}", c.Username, redacted)
}

func (c Credential) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, c.String())
}

func (c Credential) GoString() string {
	return c.String()
}
