package types

const redacted = "[redacted]"

// SecretString holds a credential loaded from configuration. String and
// MarshalJSON never reveal the value, so config structs can be logged.
type SecretString string

// String returns a placeholder instead of the raw value.
func (s SecretString) String() string {
	return redacted
}

// MarshalJSON encodes the placeholder instead of the raw value.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Unmask returns the plaintext. Only call it at the point where the value is
// handed to a client or driver.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a non-empty secret was configured.
func (s SecretString) IsSet() bool {
	return s != ""
}
