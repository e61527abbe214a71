// Package credentials provides secure credential storage with fallback support
package credentials

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/skylarkmail/skylark/internal/imap"
	"github.com/skylarkmail/skylark/internal/logging"
	gokeyring "github.com/zalando/go-keyring"
)

const serviceName = "skylark"

// Store provides credential storage backed by the OS keyring, with an
// in-memory fallback for systems without one (headless servers, CI).
type Store struct {
	keyringEnabled bool
	log            zerolog.Logger

	mu       sync.Mutex
	fallback map[string]string
}

// NewStore creates a credential store, probing for a usable keyring.
func NewStore() *Store {
	log := logging.WithComponent("credentials")

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary credential storage")
	} else {
		log.Warn().Msg("OS keyring not available, credentials held in memory only")
	}

	return &Store{
		keyringEnabled: keyringEnabled,
		log:            log,
		fallback:       make(map[string]string),
	}
}

// testKeyring checks if the OS keyring is available and functional
func testKeyring() bool {
	testKey := "skylark-test-keyring-check"
	testValue := "test"

	// Try to set a test value
	err := gokeyring.Set(serviceName, testKey, testValue)
	if err != nil {
		return false
	}

	// Clean up test value
	gokeyring.Delete(serviceName, testKey)

	return true
}

// SetPassword stores a password for an account
func (s *Store) SetPassword(accountID, password string) error {
	if password == "" {
		return fmt.Errorf("refusing to store empty password")
	}
	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, accountID, password); err == nil {
			return nil
		} else {
			s.log.Warn().Err(err).Msg("Keyring write failed, using memory fallback")
		}
	}
	s.mu.Lock()
	s.fallback[accountID] = password
	s.mu.Unlock()
	return nil
}

// GetPassword retrieves a password for an account
func (s *Store) GetPassword(accountID string) (string, error) {
	if s.keyringEnabled {
		if password, err := gokeyring.Get(serviceName, accountID); err == nil {
			return password, nil
		}
	}
	s.mu.Lock()
	password, ok := s.fallback[accountID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no credentials stored for account %q", accountID)
	}
	return password, nil
}

// DeletePassword removes a password for an account
func (s *Store) DeletePassword(accountID string) error {
	if s.keyringEnabled {
		_ = gokeyring.Delete(serviceName, accountID)
	}
	s.mu.Lock()
	delete(s.fallback, accountID)
	s.mu.Unlock()
	return nil
}

// Session binds one account's credentials to the engine's session
// contract.
type Session struct {
	store     *Store
	accountID string
	username  string

	// accessToken, when non-empty, enables XOAUTH2.
	accessToken string
}

var _ imap.Session = (*Session)(nil)

// NewSession creates a session for an account. accessToken may be
// empty when password authentication is in use.
func NewSession(store *Store, accountID, username, accessToken string) *Session {
	return &Session{
		store:       store,
		accountID:   accountID,
		username:    username,
		accessToken: accessToken,
	}
}

// SASL builds a client for the requested mechanism.
func (s *Session) SASL(mechanism string) (sasl.Client, error) {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		password, err := s.store.GetPassword(s.accountID)
		if err != nil {
			return nil, err
		}
		return sasl.NewPlainClient("", s.username, password), nil
	case "LOGIN":
		password, err := s.store.GetPassword(s.accountID)
		if err != nil {
			return nil, err
		}
		return sasl.NewLoginClient(s.username, password), nil
	case "XOAUTH2":
		if s.accessToken == "" {
			return nil, fmt.Errorf("XOAUTH2 requires an access token")
		}
		return NewXOAuth2Client(s.username, s.accessToken), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", mechanism)
	}
}

// LoginCredentials returns the plain user/password pair for the LOGIN
// fallback.
func (s *Session) LoginCredentials() (string, string, error) {
	password, err := s.store.GetPassword(s.accountID)
	if err != nil {
		return "", "", err
	}
	return s.username, password, nil
}
