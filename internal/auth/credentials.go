package auth

import (
	"os"
	"strings"
)

// CredentialProvider supplies the bearer token used by both the REST
// client and the push channel. An empty token means not authenticated.
type CredentialProvider interface {
	AccessToken() (string, error)
}

// FileProvider reads the token from a file on every call, so a token
// refreshed by the auth flow is picked up without restarting.
type FileProvider struct {
	Path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path}
}

func (p *FileProvider) AccessToken() (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// StaticProvider returns a fixed token.
type StaticProvider struct {
	Token string
}

func (p StaticProvider) AccessToken() (string, error) {
	return p.Token, nil
}
