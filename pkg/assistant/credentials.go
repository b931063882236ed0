package assistant

import "os"

// CredentialProvider supplies the session credential the client sends in
// its post-connect auth message. Injected so the connection layer never
// reaches into ambient session state; an empty token means "no credential
// available" and the auth message is skipped.
type CredentialProvider interface {
	Token() string
}

// StaticCredential is a fixed session token.
type StaticCredential string

// Token returns the fixed token.
func (s StaticCredential) Token() string {
	return string(s)
}

// EnvCredential reads the token from an environment variable on every
// call, so a rotated token is picked up on the next reconnect without a
// restart.
type EnvCredential string

// Token returns the current value of the environment variable.
func (e EnvCredential) Token() string {
	return os.Getenv(string(e))
}

// NoCredential is a provider that never yields a token.
type NoCredential struct{}

// Token returns the empty string.
func (NoCredential) Token() string {
	return ""
}
