package identity

import (
	"errors"
	"os"
	"time"

	"github.com/go-authgate/vakya-cli/filestore"
)

// Credential is the provider session kept between runs, the equivalent of
// the provider SDK's persisted sign-in state.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
	User         *User     `json:"user,omitempty"`
}

// Assertion is the string handed to the backend login exchange.
func (c *Credential) Assertion() string {
	if c.IDToken != "" {
		return c.IDToken
	}
	return c.AccessToken
}

// CredentialStore persists provider credentials per client ID.
type CredentialStore interface {
	// Load returns nil, nil when nothing is stored for clientID.
	Load(clientID string) (*Credential, error)
	Save(cred *Credential) error
	Delete(clientID string) error
}

type credentialFile struct {
	Credentials map[string]*Credential `json:"credentials"` // key = client_id
}

// FileStore keeps credentials for several clients in one JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(clientID string) (*Credential, error) {
	var file credentialFile
	if err := filestore.ReadJSON(s.path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return file.Credentials[clientID], nil
}

// Save merges cred into the file, keeping entries of other clients.
func (s *FileStore) Save(cred *Credential) error {
	return filestore.UpdateJSON(s.path, func(file *credentialFile) error {
		if file.Credentials == nil {
			file.Credentials = make(map[string]*Credential)
		}
		file.Credentials[cred.ClientID] = cred
		return nil
	})
}

func (s *FileStore) Delete(clientID string) error {
	return filestore.UpdateJSON(s.path, func(file *credentialFile) error {
		delete(file.Credentials, clientID)
		return nil
	})
}
